package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"okgate/broker"
	"okgate/logger"
	"okgate/models"
	"okgate/okex"
	"okgate/pipeline"
	"okgate/ws"
)

// infoTTL bounds how long a command response stays readable. Clients
// poll for it right after publishing, stale responses just expire.
const infoTTL = 60 * time.Second

// AppFactory builds the connection pipeline for one opened exchange
// connection.
type AppFactory func(name string, auth models.AuthParams) ws.App

// Router is the control plane: it consumes commands from the listen
// channel, manages the set of named exchange connections, and writes
// responses to the per-command info key.
//
// Reserved ops are open, close, servers and quit_server; any other op
// is forwarded verbatim (minus id and name) to the named connection.
type Router struct {
	rdb     *redis.Client
	url     string
	opts    ws.Options
	infoKey string
	factory AppFactory

	mu      sync.Mutex
	servers map[string]*serverEntry

	log *logger.Entry
}

type serverEntry struct {
	sup    *ws.Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates the router. A nil factory builds the standard
// exchange pipeline against the router's redis client.
func NewRouter(rdb *redis.Client, url string, opts ws.Options, infoKey string, factory AppFactory) *Router {
	r := &Router{
		rdb:     rdb,
		url:     url,
		opts:    opts,
		infoKey: infoKey,
		factory: factory,
		servers: make(map[string]*serverEntry),
		log:     logger.GetLogger().WithComponent("command_router"),
	}
	if r.factory == nil {
		r.factory = func(name string, auth models.AuthParams) ws.App {
			return okex.NewApp(name, auth, rdb)
		}
	}
	return r
}

// Handle is the listener app. One malformed or panicking command must
// never take the control plane down, so failures turn into error
// responses instead.
func (r *Router) Handle(pctx *pipeline.Context) error {
	if pctx.Signal != pipeline.OnData {
		if pctx.Signal == pipeline.Exit {
			r.Shutdown()
		}
		return nil
	}

	r.reap()

	var cmd models.Command
	if err := json.Unmarshal(pctx.Raw, &cmd); err != nil || cmd.Op == "" {
		if cmd.ID == "" {
			cmd.ID = rawCommandID(pctx.Raw)
		}
		r.log.WithFields(logger.Fields{"raw": string(pctx.Raw)}).Warn("unparseable command")
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "cannot parse command", ErrorCode: models.CodeBadCommand})
		return nil
	}

	var stop bool
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithFields(logger.Fields{"op": cmd.Op, "panic": fmt.Sprint(rec)}).Error("command panicked")
				r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: fmt.Sprint(rec), ErrorCode: models.CodeBadCommand})
			}
		}()

		switch cmd.Op {
		case models.OpOpen:
			r.open(pctx, cmd)
		case models.OpClose:
			r.close(pctx, cmd)
		case models.OpServers:
			r.list(pctx, cmd)
		case models.OpQuitServer:
			r.reply(pctx, cmd.ID, models.Info{Event: "info", Message: "", ErrorCode: models.CodeOK})
			stop = true
		default:
			r.forward(pctx, cmd)
		}
	}()
	logger.IncrementCommandHandled()

	if stop {
		return broker.ErrStopReader
	}
	return nil
}

func (r *Router) open(pctx *pipeline.Context, cmd models.Command) {
	if cmd.Name == "" {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "open needs a name", ErrorCode: models.CodeBadCommand})
		return
	}
	var auth models.AuthParams
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &auth); err != nil {
			r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "bad open args", ErrorCode: models.CodeBadCommand})
			return
		}
	}

	r.mu.Lock()
	if _, ok := r.servers[cmd.Name]; ok {
		r.mu.Unlock()
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: cmd.Name + " is already open", ErrorCode: models.CodeDuplicate})
		return
	}
	sup := ws.NewSupervisor(r.url, r.factory(cmd.Name, auth), r.opts)
	ctx, cancel := context.WithCancel(context.Background())
	entry := &serverEntry{sup: sup, cancel: cancel, done: make(chan struct{})}
	r.servers[cmd.Name] = entry
	r.mu.Unlock()

	go func() {
		defer close(entry.done)
		if err := sup.Run(ctx); err != nil {
			r.log.WithError(err).WithFields(logger.Fields{"name": cmd.Name}).Error("connection exited with error")
		}
	}()

	r.log.WithFields(logger.Fields{"name": cmd.Name}).Info("connection opened")
	r.reply(pctx, cmd.ID, models.Info{Event: "info", Message: "", ErrorCode: models.CodeOK})
}

func (r *Router) close(pctx *pipeline.Context, cmd models.Command) {
	r.mu.Lock()
	entry, ok := r.servers[cmd.Name]
	if ok {
		delete(r.servers, cmd.Name)
	}
	r.mu.Unlock()

	if !ok {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "no server named " + cmd.Name, ErrorCode: models.CodeUnknownName})
		return
	}

	entry.sup.Close()
	entry.cancel()
	r.log.WithFields(logger.Fields{"name": cmd.Name}).Info("connection closed")
	r.reply(pctx, cmd.ID, models.Info{Event: "info", Message: "", ErrorCode: models.CodeOK})
}

func (r *Router) list(pctx *pipeline.Context, cmd models.Command) {
	r.mu.Lock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	r.reply(pctx, cmd.ID, models.Info{Event: "info", Message: names, ErrorCode: models.CodeOK})
}

// forward relays any non-reserved op to the named connection, with the
// routing fields stripped.
func (r *Router) forward(pctx *pipeline.Context, cmd models.Command) {
	r.mu.Lock()
	entry, ok := r.servers[cmd.Name]
	r.mu.Unlock()
	if !ok {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "no server named " + cmd.Name, ErrorCode: models.CodeUnknownName})
		return
	}

	var m map[string]any
	if err := json.Unmarshal(pctx.Raw, &m); err != nil {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: "cannot parse command", ErrorCode: models.CodeBadCommand})
		return
	}
	delete(m, "id")
	delete(m, "name")
	buf, err := json.Marshal(m)
	if err != nil {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: err.Error(), ErrorCode: models.CodeBadCommand})
		return
	}

	if err := entry.sup.Send(string(buf)); err != nil {
		r.reply(pctx, cmd.ID, models.Info{Event: "error", Message: err.Error(), ErrorCode: models.CodeBadCommand})
		return
	}
	r.reply(pctx, cmd.ID, models.Info{Event: "info", Message: "", ErrorCode: models.CodeOK})
}

// reap drops entries whose supervisor has already exited on its own.
func (r *Router) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.servers {
		select {
		case <-entry.done:
			r.log.WithFields(logger.Fields{"name": name}).Warn("connection exited, reaping")
			delete(r.servers, name)
		default:
		}
	}
}

// rawCommandID salvages the correlation id from a message that does
// not parse as a Command, so the sender still finds its error reply
// under the per-id key.
func rawCommandID(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// reply records the command response under the info key, suffixed with
// the command id when there is one.
func (r *Router) reply(pctx *pipeline.Context, id string, info models.Info) {
	key := r.infoKey
	if id != "" {
		key += "/" + id
	}
	buf, err := json.Marshal(info)
	if err != nil {
		r.log.WithError(err).Error("cannot serialize response")
		return
	}

	store := redis.Cmdable(r.rdb)
	if pctx.Store != nil {
		store = pctx.Store
	}
	if err := store.SetEx(pctx.Ctx, key, buf, infoTTL).Err(); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"key": key}).Error("cannot write response")
	}
}

// Names returns the currently open connection names in stable order.
func (r *Router) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown closes every open connection and waits for their supervisors
// to finish.
func (r *Router) Shutdown() {
	r.mu.Lock()
	entries := make([]*serverEntry, 0, len(r.servers))
	for name, entry := range r.servers {
		entries = append(entries, entry)
		delete(r.servers, name)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.sup.Close()
		entry.cancel()
	}
	for _, entry := range entries {
		<-entry.done
	}
}
