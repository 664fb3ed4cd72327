// Package approval gates tool execution behind user consent. Decisions
// arrive as natural-language chat messages; the gate parses them, caches
// scoped grants per (world, chat), and tells the orchestrator when a
// tool call must pause for a client.requestApproval round trip.
package approval

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Decision scopes.
const (
	ScopeOnce    = "approve_once"
	ScopeSession = "approve_session"
	ScopeDeny    = "deny"
)

// DenialTTL is how long a denial keeps blocking a tool.
const DenialTTL = 5 * time.Minute

// Options offered with every approval request, in display order.
var Options = []string{ScopeDeny, ScopeOnce, ScopeSession}

// safeTools execute without approval.
var safeTools = map[string]bool{
	"read_file":    true,
	"list_files":   true,
	"grep":         true,
	"grep_search":  true,
	"hitl_request": true,
	"load_skill":   true,
}

// Decision is one parsed approval statement.
type Decision struct {
	Scope string // ScopeOnce | ScopeSession | ScopeDeny
	Tool  string // empty means "the pending tool"
}

// The core grammar plus polite variants. Tool names are dot-separated
// word-ish segments (letters, digits, underscore, dash); a terminal
// `.` or `!` is sentence punctuation, not part of the name.
const toolNamePat = `([\w-]+(?:\.[\w-]+)*)`

var (
	coreRe   = regexp.MustCompile(`(?i)^\s*(deny|approve_once|approve_session)(?:\s+` + toolNamePat + `)?\s*[.!]?\s*$`)
	politeRe = []*struct {
		re    *regexp.Regexp
		scope string
	}{
		{regexp.MustCompile(`(?i)^\s*deny\s+(?:the\s+)?` + toolNamePat + `\s*[.!]?\s*$`), ScopeDeny},
		{regexp.MustCompile(`(?i)^\s*approve\s+(?:the\s+)?` + toolNamePat + `\s+for\s+(?:the\s+)?session\s*[.!]?\s*$`), ScopeSession},
		{regexp.MustCompile(`(?i)^\s*approve\s+(?:the\s+)?` + toolNamePat + `\s+once\s*[.!]?\s*$`), ScopeOnce},
		{regexp.MustCompile(`(?i)^\s*approve\s+(?:the\s+)?` + toolNamePat + `\s*[.!]?\s*$`), ScopeOnce},
	}
)

// Parse reads a chat message as an approval statement. ok is false when
// the message is ordinary conversation.
func Parse(message string) (Decision, bool) {
	if m := coreRe.FindStringSubmatch(message); m != nil {
		return Decision{Scope: strings.ToLower(m[1]), Tool: strings.ToLower(m[2])}, true
	}
	for _, p := range politeRe {
		if m := p.re.FindStringSubmatch(message); m != nil {
			tool := strings.ToLower(m[1])
			// "approve session" with no tool parses as the bare-scope form.
			if tool == "session" || tool == "once" {
				continue
			}
			return Decision{Scope: p.scope, Tool: tool}, true
		}
	}
	return Decision{}, false
}

type grantKey struct {
	worldID string
	chatID  string
	tool    string
}

// Gate holds per-(world, chat) approval state.
type Gate struct {
	mu      sync.Mutex
	session map[grantKey]bool      // approve_session grants
	once    map[grantKey]int       // pending approve_once uses
	denied  map[grantKey]time.Time // denial expiry
	now     func() time.Time
}

func NewGate() *Gate {
	return &Gate{
		session: make(map[grantKey]bool),
		once:    make(map[grantKey]int),
		denied:  make(map[grantKey]time.Time),
		now:     time.Now,
	}
}

// RequiresApproval reports whether a tool needs user consent at all.
func RequiresApproval(tool string) bool {
	return !safeTools[strings.ToLower(tool)]
}

// Outcome of checking a tool call against the gate.
const (
	Allow  = "allow"
	Ask    = "ask"
	Denied = "denied"
)

// Peek reports what Check would return without consuming any grant.
func (g *Gate) Peek(worldID, chatID, tool string) string {
	if !RequiresApproval(tool) {
		return Allow
	}
	key := grantKey{worldID, chatID, strings.ToLower(tool)}

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.denied[key]; ok && g.now().Before(expiry) {
		return Denied
	}
	if g.session[key] || g.once[key] > 0 {
		return Allow
	}
	return Ask
}

// Check evaluates a tool call. An approve_once grant is consumed by the
// allow it produces; denials block until they expire.
func (g *Gate) Check(worldID, chatID, tool string) string {
	if !RequiresApproval(tool) {
		return Allow
	}
	key := grantKey{worldID, chatID, strings.ToLower(tool)}

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.denied[key]; ok {
		if g.now().Before(expiry) {
			return Denied
		}
		delete(g.denied, key)
	}
	if g.session[key] {
		return Allow
	}
	if g.once[key] > 0 {
		g.once[key]--
		return Allow
	}
	return Ask
}

// Record applies a parsed decision for a tool. When the decision names
// no tool, pendingTool (the tool awaiting approval) is used.
func (g *Gate) Record(worldID, chatID string, d Decision, pendingTool string) error {
	tool := d.Tool
	if tool == "" {
		tool = strings.ToLower(pendingTool)
	}
	if tool == "" {
		return fmt.Errorf("approval names no tool and none is pending")
	}
	key := grantKey{worldID, chatID, tool}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch d.Scope {
	case ScopeSession:
		g.session[key] = true
		delete(g.denied, key)
	case ScopeOnce:
		g.once[key]++
		delete(g.denied, key)
	case ScopeDeny:
		g.denied[key] = g.now().Add(DenialTTL)
		delete(g.session, key)
		g.once[key] = 0
	default:
		return fmt.Errorf("unknown approval scope %q", d.Scope)
	}
	return nil
}

// ResetChat drops all state for a chat, e.g. on chat deletion.
func (g *Gate) ResetChat(worldID, chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.session {
		if key.worldID == worldID && key.chatID == chatID {
			delete(g.session, key)
		}
	}
	for key := range g.once {
		if key.worldID == worldID && key.chatID == chatID {
			delete(g.once, key)
		}
	}
	for key := range g.denied {
		if key.worldID == worldID && key.chatID == chatID {
			delete(g.denied, key)
		}
	}
}
