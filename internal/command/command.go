package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/heartbeat"
	"github.com/loykin/hbwatch/internal/metrics"
)

var (
	ErrNotFound        = errors.New("command not found")
	ErrMissingArgument = errors.New("missing argument")
)

// Kind classifies a command by its effect.
type Kind int

const (
	KindSetter Kind = iota
	KindToggle
	KindAction
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindSetter:
		return "setter"
	case KindToggle:
		return "toggle"
	case KindAction:
		return "action"
	case KindQuery:
		return "query"
	}
	return "unknown"
}

// Target is the supervision surface commands act on.
type Target interface {
	StartApp()
	StopApp()
	ForceRestart() bool
	Shutdown()
	Reset()
	Reconnect()
	Resume()
	Disconnect()
	ArchiveNow()
	Send(data []byte) error
	QueryRunning() bool
	ResizeSignals(n int)
	Signals() []heartbeat.Signal
	StatusText() string
	ApplyConfig()
}

// Recorder switches the record files on and off.
type Recorder interface {
	SetRecording(on bool)
}

// Handler runs one command. The returned text is emitted on success.
type Handler func(in *Interpreter, args []string) (string, error)

type Command struct {
	Name        string
	Kind        Kind
	Usage       string
	Description string
	MinArgs     int
	Handler     Handler
}

// Result is the outcome of one Execute call. Err is set only when nothing
// was mutated.
type Result struct {
	Command     string
	Output      string
	Err         error
	Suggestions []string
}

// Interpreter dispatches command lines. It is safe for concurrent use; the
// config store and the target provide the coordination.
type Interpreter struct {
	cfg      *config.Store
	target   Target
	rec      Recorder
	sink     events.Sink
	commands map[string]*Command
	names    []string
}

func NewInterpreter(cfg *config.Store, target Target, rec Recorder, sink events.Sink) *Interpreter {
	if sink == nil {
		sink = events.Discard{}
	}
	in := &Interpreter{
		cfg:      cfg,
		target:   target,
		rec:      rec,
		sink:     sink,
		commands: make(map[string]*Command),
	}
	for _, c := range builtin() {
		in.Register(c)
	}
	return in
}

func (in *Interpreter) Register(c *Command) {
	name := strings.ToLower(c.Name)
	if _, dup := in.commands[name]; !dup {
		in.names = append(in.names, name)
		sort.Strings(in.names)
	}
	in.commands[name] = c
}

func (in *Interpreter) Get(name string) (*Command, bool) {
	c, ok := in.commands[strings.ToLower(name)]
	return c, ok
}

// Names returns the registered command heads in sorted order.
func (in *Interpreter) Names() []string { return append([]string(nil), in.names...) }

// Suggest returns commands resembling partial, best match first.
func (in *Interpreter) Suggest(partial string) []string {
	partial = strings.ToLower(strings.TrimSpace(partial))
	if partial == "" {
		return nil
	}
	matches := fuzzy.Find(partial, in.names)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
	}
	return out
}

// Execute parses and runs one command line. It never panics.
func (in *Interpreter) Execute(line string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("command %q panic: %v", res.Command, r)
			res.Output = ""
			in.sink.Message(res.Err.Error(), true)
		}
	}()

	tokens := Tokenize(line)
	if len(tokens) == 0 {
		return Result{}
	}
	head := strings.ToLower(tokens[0])
	args := tokens[1:]
	res.Command = head

	c, ok := in.commands[head]
	if !ok {
		res.Err = ErrNotFound
		res.Suggestions = in.Suggest(head)
		in.sink.Message(ErrNotFound.Error(), true)
		if len(res.Suggestions) > 0 {
			in.sink.Message("did you mean: "+strings.Join(res.Suggestions, ", "), false)
		}
		return res
	}
	metrics.IncCommand(head)

	if len(args) < c.MinArgs {
		res.Err = fmt.Errorf("%w: usage: %s", ErrMissingArgument, c.Usage)
		in.sink.Message(res.Err.Error(), true)
		return res
	}

	out, err := c.Handler(in, args)
	if err != nil {
		res.Err = err
		in.sink.Message(fmt.Sprintf("%s: %v", head, err), true)
		return res
	}
	res.Output = out
	if out != "" {
		if c.Kind == KindQuery {
			in.sink.Status(out)
		} else {
			in.sink.Message(out, false)
		}
	}
	return res
}

// Help lists every command, or describes one.
func (in *Interpreter) Help(name string) string {
	if name != "" {
		c, ok := in.Get(name)
		if !ok {
			return ErrNotFound.Error()
		}
		return fmt.Sprintf("%s (%s)\n  %s\n  usage: %s\n", c.Name, c.Kind, c.Description, c.Usage)
	}
	var b strings.Builder
	for _, n := range in.names {
		c := in.commands[n]
		fmt.Fprintf(&b, "%-18s %s\n", c.Usage, c.Description)
	}
	return b.String()
}
