package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickbot/internal/runtime/supervisor"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const (
	defaultCommandTimeout = 15 * time.Second
	jobQueueSize          = 256
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Audit records every invocation in the store's audit table.
	Audit   bool
	Timeout time.Duration // 0 means defaultCommandTimeout
	Handle  HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	RawArgs      []string
	Flags        map[string]string
	BoolFlags    map[string]bool
	ReqID        string
	IsOwner      bool

	// AuditTarget is set by handlers to name the object they acted on.
	AuditTarget string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends plain text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// CommandManager routes chat commands to handlers on a bounded worker pool.
type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []Command
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter
	audit   Auditor

	runMu   sync.Mutex
	running bool

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, audit Auditor, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands: map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		log:      log.With(logx.String("comp", "telegram.router")),
		adapter:  adapter,
		audit:    audit,
		jobs:     make(chan func(), jobQueueSize),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry installs cmds plus the built-in /help and refreshes the
// platform command menu in the background.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.IsOwner))
		},
	}
	cmds = append(cmds, helper)

	byName := make(map[string]*Command, len(cmds)*2)
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = &cc
			}
		}
		ordered = append(ordered, cc)
	}

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(ordered)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("command menu update failed", logx.Err(err))
		}
	}()
}

func (m *CommandManager) lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

func (m *CommandManager) registered() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Command(nil), m.ordered...)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, min(runtime.NumCPU(), 8))

	sup := supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(false))
	m.runMu.Lock()
	m.running = true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.worker(c, idx)
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			if job == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job",
							logx.Int("worker", idx),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())),
						)
					}
				}()
				job()
			}()
		}
	}
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	m.runMu.Lock()
	running := m.running
	m.runMu.Unlock()
	if !running {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		// Groups carry other bots' commands; only answer unknown commands in private.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	owners := m.ownersSnapshot()
	owner := isOwner(msg.FromID, owners)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, "This command is limited to bot owners.", nil)
		return
	}

	raw := parts[1:]
	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         pos,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		IsOwner:      owner,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	// Panics become errors before they reach the audit, log and reply layers.
	mws := []Middleware{MWReplyError(), MWRequestLog(m.log)}
	if cmd.Audit && m.audit != nil {
		mws = append(mws, MWAudit(m.audit, m.log))
	}
	mws = append(mws, MWPanicRecover(m.log), MWTimeout(timeout))
	final := Chain(cmd.Handle, mws...)

	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
