package pipeline

import (
	"context"
	"fmt"
	"testing"
)

type recording struct {
	name     string
	enterErr error
	leaveErr error
	trace    *[]string
}

func (r *recording) Enter(ctx *Context) error {
	*r.trace = append(*r.trace, "enter:"+r.name)
	return r.enterErr
}

func (r *recording) Leave(ctx *Context) error {
	*r.trace = append(*r.trace, "leave:"+r.name)
	return r.leaveErr
}

func TestExecuteOrder(t *testing.T) {
	var trace []string
	ics := []Interceptor{
		&recording{name: "a", trace: &trace},
		&recording{name: "b", trace: &trace},
		&recording{name: "c", trace: &trace},
	}
	ctx := NewContext(context.Background(), OnData)
	Execute(ctx, ics)

	want := []string{"enter:a", "enter:b", "enter:c", "leave:c", "leave:b", "leave:a"}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestExecuteEnterFailureSkipsLeaveOnly(t *testing.T) {
	var trace []string
	ics := []Interceptor{
		&recording{name: "a", trace: &trace},
		&recording{name: "b", enterErr: fmt.Errorf("boom"), trace: &trace},
		&recording{name: "c", trace: &trace},
	}
	ctx := NewContext(context.Background(), OnData)
	Execute(ctx, ics)

	// b's enter failed: c still enters, b's leave never runs, a's does.
	want := []string{"enter:a", "enter:b", "enter:c", "leave:c", "leave:a"}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestExecuteLeaveFailureContinuesUnwind(t *testing.T) {
	var trace []string
	ics := []Interceptor{
		&recording{name: "a", trace: &trace},
		&recording{name: "b", leaveErr: fmt.Errorf("boom"), trace: &trace},
	}
	ctx := NewContext(context.Background(), OnData)
	Execute(ctx, ics)

	want := []string{"enter:a", "enter:b", "leave:b", "leave:a"}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestExecuteSkipsNilInterceptor(t *testing.T) {
	var trace []string
	ics := []Interceptor{nil, &recording{name: "a", trace: &trace}}
	ctx := NewContext(context.Background(), OnData)
	Execute(ctx, ics)
	if len(trace) != 2 || trace[0] != "enter:a" || trace[1] != "leave:a" {
		t.Fatalf("unexpected trace %v", trace)
	}
}

func TestExecuteReturnsResponse(t *testing.T) {
	ctx := NewContext(context.Background(), Connected)
	got := Execute(ctx, []Interceptor{Funcs{OnEnter: func(c *Context) error {
		AppendResponse(c, "login")
		AppendResponse(c, "subscribe")
		return nil
	}}})
	if len(got) != 2 || got[0] != "login" || got[1] != "subscribe" {
		t.Fatalf("response = %v", got)
	}
}

func TestExecuteNoResponse(t *testing.T) {
	ctx := NewContext(context.Background(), Ready)
	if got := Execute(ctx, []Interceptor{Funcs{}}); got != nil {
		t.Fatalf("expected nil response, got %v", got)
	}
}

func TestSetValues(t *testing.T) {
	ctx := NewContext(context.Background(), Ready)
	Execute(ctx, []Interceptor{SetValues(map[string]any{"n": 5})})
	if ctx.Values["n"] != 5 {
		t.Fatalf("values not seeded: %v", ctx.Values)
	}
}
