// Package persona holds the group chat participants: their names, avatar
// glyphs and system messages.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

const (
	RoleAssistant = "assistant"
	RoleUserProxy = "user_proxy"

	InputAlways = "ALWAYS"
	InputNever  = "NEVER"

	// SystemAuthor labels prompts and notices that come from crewchat itself
	// rather than a participant.
	SystemAuthor = "System"
)

// ErrUnknownIdentity is returned when a message author has no roster entry.
var ErrUnknownIdentity = errors.New("unknown identity")

type Persona struct {
	Name             string
	Avatar           string
	Role             string
	SystemMessage    string
	HumanInputMode   string
	CodeExecution    bool
	LLM              bool
	DefaultAutoReply string
	Description      string
}

func (p Persona) AlwaysAsksHuman() bool {
	return strings.EqualFold(p.HumanInputMode, InputAlways)
}

func (p Persona) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona name is required")
	}
	if strings.TrimSpace(p.Avatar) == "" {
		return fmt.Errorf("persona %q: avatar is required", p.Name)
	}
	switch p.Role {
	case RoleAssistant, RoleUserProxy:
	default:
		return fmt.Errorf("persona %q: invalid role %q", p.Name, p.Role)
	}
	switch strings.ToUpper(p.HumanInputMode) {
	case InputAlways, InputNever:
	default:
		return fmt.Errorf("persona %q: invalid humanInputMode %q", p.Name, p.HumanInputMode)
	}
	return nil
}

// Defaults returns the six built-in participants in group chat order.
func Defaults() []Persona {
	return []Persona{
		{
			Name:           "Admin",
			Avatar:         "👨‍💼",
			Role:           RoleUserProxy,
			SystemMessage:  "A human admin. Interact with the planner to discuss the plan. Plan execution needs to be approved by this admin.",
			HumanInputMode: InputAlways,
			Description:    "The human user; approves plans and steers the discussion.",
		},
		{
			Name:   "Engineer",
			Avatar: "👩‍💻",
			Role:   RoleAssistant,
			SystemMessage: `Engineer. You follow an approved plan. You write python/shell code to solve tasks. Wrap the code in a code block that specifies the script type. The user can't modify your code. So do not suggest incomplete code which requires others to modify. Don't use a code block if it's not intended to be executed by the executor.
Don't include multiple code blocks in one response. Do not ask others to copy and paste the result. Check the execution result returned by the executor.
If the result indicates there is an error, fix the error and output the code again. Suggest the full code instead of partial code or code changes. If the error can't be fixed or if the task is not solved even after the code is executed successfully, analyze the problem, revisit your assumption, collect additional info you need, and think of a different approach to try.`,
			HumanInputMode: InputNever,
			LLM:            true,
			Description:    "Writes python or shell code for an approved plan.",
		},
		{
			Name:           "Scientist",
			Avatar:         "👩‍🔬",
			Role:           RoleAssistant,
			SystemMessage:  "Scientist. You follow an approved plan. You are able to categorize papers after seeing their abstracts printed. You don't write code.",
			HumanInputMode: InputNever,
			LLM:            true,
			Description:    "Categorizes papers from their abstracts; does not write code.",
		},
		{
			Name:   "Planner",
			Avatar: "🗓",
			Role:   RoleAssistant,
			SystemMessage: `Planner. Suggest a plan. Revise the plan based on feedback from admin and critic, until admin approval.
The plan may involve an engineer who can write code and a scientist who doesn't write code.
Explain the plan first. Be clear which step is performed by an engineer, and which step is performed by a scientist.`,
			HumanInputMode: InputNever,
			LLM:            true,
			Description:    "Proposes and revises the plan until the admin approves it.",
		},
		{
			Name:           "Executor",
			Avatar:         "🛠",
			Role:           RoleUserProxy,
			SystemMessage:  "Executor. Execute the code written by the engineer and report the result.",
			HumanInputMode: InputNever,
			CodeExecution:  true,
			Description:    "Runs the engineer's code and reports the result.",
		},
		{
			Name:   "Critic",
			Avatar: "📝",
			Role:   RoleAssistant,
			SystemMessage: `Critic. Double check plan, claims, code from other agents and provide feedback.
Check whether the plan includes adding verifiable info such as source URL.`,
			HumanInputMode: InputNever,
			LLM:            true,
			Description:    "Double checks plans, claims and code.",
		},
	}
}

// Roster is an ordered, immutable set of personas keyed by name.
type Roster struct {
	order  []string
	byName map[string]Persona
}

func NewRoster(personas ...Persona) (*Roster, error) {
	r := &Roster{byName: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate persona %q", p.Name)
		}
		r.order = append(r.order, p.Name)
		r.byName[p.Name] = p
	}
	if len(r.order) == 0 {
		return nil, errors.New("roster is empty")
	}
	return r, nil
}

func DefaultRoster() *Roster {
	r, err := NewRoster(Defaults()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Merge returns a new roster where overrides replace personas of the same
// name and new names are appended.
func (r *Roster) Merge(overrides []Persona) (*Roster, error) {
	merged := make([]Persona, 0, len(r.order)+len(overrides))
	replaced := make(map[string]Persona, len(overrides))
	for _, p := range overrides {
		replaced[p.Name] = p
	}
	for _, name := range r.order {
		if p, ok := replaced[name]; ok {
			merged = append(merged, p)
			delete(replaced, name)
			continue
		}
		merged = append(merged, r.byName[name])
	}
	for _, p := range overrides {
		if _, pending := replaced[p.Name]; pending {
			merged = append(merged, p)
		}
	}
	return NewRoster(merged...)
}

// Icon returns the avatar for name. Unknown names are an error, never a
// placeholder.
func (r *Roster) Icon(name string) (string, error) {
	p, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
	}
	return p.Avatar, nil
}

func (r *Roster) Get(name string) (Persona, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Roster) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Roster) All() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Roster) Len() int { return len(r.order) }
