// Package prompter asks a human at a terminal for consent and relays
// plugin notifications.
package prompter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// ErrNonInteractive is returned when a question needs an answer but the
// input is not a terminal and no default policy is configured.
var ErrNonInteractive = errors.New("consent required in non-interactive mode")

// CliPrompter implements ports.ConsentProvider and ports.UI on a pair of
// streams. Answers of "always" are remembered for the prompter's lifetime.
type CliPrompter struct {
	in          *bufio.Reader
	out         io.Writer
	isTerminal  bool
	nonInteract *bool
	always      map[string]bool
	mu          sync.Mutex
}

var (
	_ ports.ConsentProvider = (*CliPrompter)(nil)
	_ ports.UI              = (*CliPrompter)(nil)
)

// PrompterOption configures a CliPrompter.
type PrompterOption func(*CliPrompter)

// WithNonInteractiveAnswer answers every consent question with approve
// instead of reading input.
func WithNonInteractiveAnswer(approve bool) PrompterOption {
	return func(p *CliPrompter) {
		p.nonInteract = &approve
	}
}

// NewCliPrompter creates a new CliPrompter.
func NewCliPrompter(in io.Reader, out io.Writer, opts ...PrompterOption) *CliPrompter {
	p := &CliPrompter{
		in:         bufio.NewReader(in),
		out:        out,
		isTerminal: isTerminal(in),
		always:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsInteractive reports whether the input is a terminal.
func (p *CliPrompter) IsInteractive() bool {
	return p.isTerminal
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// RequestConsent asks whether req may proceed. Accepted answers are
// y/yes, a/always and n/no; anything else denies.
func (p *CliPrompter) RequestConsent(ctx context.Context, req entities.ConsentRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.PluginID + "\x00" + req.Kind + "\x00" + req.Subject
	if p.always[key] {
		return true, nil
	}
	if p.nonInteract != nil {
		return *p.nonInteract, nil
	}

	_, _ = fmt.Fprintf(p.out, "Plugin %s requests %s: %s\n", req.PluginID, req.Kind, req.Subject)
	if req.Reason != "" {
		_, _ = fmt.Fprintf(p.out, "Reason: %s\n", req.Reason)
	}
	_, _ = fmt.Fprintf(p.out, "Risk: %s\n", req.Risk)
	_, _ = fmt.Fprint(p.out, "Allow? [y/n/always]: ")

	answer, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	case "a", "always":
		p.always[key] = true
		return true, nil
	default:
		return false, nil
	}
}

// Notify prints a plugin notification.
func (p *CliPrompter) Notify(_ context.Context, pluginID, level, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.out, "[%s] %s: %s\n", strings.ToUpper(level), pluginID, message)
	return err
}

// Confirm asks a yes/no question on behalf of a plugin.
func (p *CliPrompter) Confirm(ctx context.Context, pluginID, message string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nonInteract != nil {
		return *p.nonInteract, nil
	}
	_, _ = fmt.Fprintf(p.out, "%s asks: %s [y/n]: ", pluginID, message)
	answer, err := p.readLine(ctx)
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

// Prompt asks for free text on behalf of a plugin. An empty answer
// selects defaultValue.
func (p *CliPrompter) Prompt(ctx context.Context, pluginID, message, defaultValue string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nonInteract != nil {
		return defaultValue, nil
	}
	if defaultValue != "" {
		_, _ = fmt.Fprintf(p.out, "%s asks: %s [%s]: ", pluginID, message, defaultValue)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s asks: %s: ", pluginID, message)
	}
	answer, err := p.readLine(ctx)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return defaultValue, nil
	}
	return answer, nil
}

// readLine reads one trimmed line. Reading cannot be interrupted, so a
// cancelled context is only honoured before the read starts.
func (p *CliPrompter) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return "", ErrNonInteractive
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
