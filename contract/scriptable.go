package contract

import (
	"fmt"
	"sort"
)

// VarType enumerates the types a bylaw variable may carry.
type VarType uint8

const (
	// VarTypeString is a string variable.
	VarTypeString VarType = iota

	// VarTypeInteger is an integer variable.
	VarTypeInteger

	// VarTypeBool is a boolean variable.
	VarTypeBool
)

// String returns a human readable name for the variable type.
func (t VarType) String() string {
	switch t {
	case VarTypeString:
		return "string"
	case VarTypeInteger:
		return "integer"
	case VarTypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// VarAccess enumerates how a bylaw variable may be used by clauses.
type VarAccess uint8

const (
	// VarAccessConstant variables never change after construction.
	VarAccessConstant VarAccess = iota

	// VarAccessPersistent variables may change and are stored across
	// cron processing rounds.
	VarAccessPersistent

	// VarAccessImportant variables are persistent and additionally
	// reported in receipts when they change.
	VarAccessImportant
)

// String returns a human readable name for the access class.
func (a VarAccess) String() string {
	switch a {
	case VarAccessConstant:
		return "constant"
	case VarAccessPersistent:
		return "persistent"
	case VarAccessImportant:
		return "important"
	default:
		return "unknown"
	}
}

// Variable is a named value attached to a bylaw and visible to its clauses.
type Variable struct {
	Name   string
	Value  string
	Type   VarType
	Access VarAccess
}

// Bylaw is a named collection of clauses, variables, hooks and callbacks.
type Bylaw struct {
	name     string
	language string

	// clauses maps clause name to script source.
	clauses map[string]string

	variables map[string]*Variable

	// hooks maps a hook name to the clauses it triggers, in registration
	// order.
	hooks map[string][]string

	// callbacks maps a callback name to the single clause answering it.
	callbacks map[string]string
}

// NewBylaw builds an empty bylaw.
func NewBylaw(name, language string) *Bylaw {
	return &Bylaw{
		name:      name,
		language:  language,
		clauses:   make(map[string]string),
		variables: make(map[string]*Variable),
		hooks:     make(map[string][]string),
		callbacks: make(map[string]string),
	}
}

// Name returns the bylaw's name, unique within the agreement.
func (b *Bylaw) Name() string {
	return b.name
}

// Language returns the scripting language the bylaw's clauses are written
// in.
func (b *Bylaw) Language() string {
	return b.language
}

// AddClause inserts a clause under its name. A name collision fails without
// mutating the existing map.
func (b *Bylaw) AddClause(name, source string) error {
	if _, ok := b.clauses[name]; ok {
		return fmt.Errorf("%w: clause %q in bylaw %q", ErrNameExists,
			name, b.name)
	}

	b.clauses[name] = source

	return nil
}

// RemoveClause deletes a clause. Hooks and callbacks referencing it are
// cleaned up with it.
func (b *Bylaw) RemoveClause(name string) error {
	if _, ok := b.clauses[name]; !ok {
		return fmt.Errorf("no clause %q in bylaw %q", name, b.name)
	}

	delete(b.clauses, name)

	for hook, clauses := range b.hooks {
		kept := clauses[:0]
		for _, clause := range clauses {
			if clause != name {
				kept = append(kept, clause)
			}
		}
		if len(kept) == 0 {
			delete(b.hooks, hook)
			continue
		}
		b.hooks[hook] = kept
	}

	for callback, clause := range b.callbacks {
		if clause == name {
			delete(b.callbacks, callback)
		}
	}

	return nil
}

// Clause returns a clause's source by name.
func (b *Bylaw) Clause(name string) (string, error) {
	source, ok := b.clauses[name]
	if !ok {
		return "", fmt.Errorf("no clause %q in bylaw %q", name, b.name)
	}

	return source, nil
}

// ClauseNames returns the sorted names of the bylaw's clauses.
func (b *Bylaw) ClauseNames() []string {
	return sortedKeys(b.clauses)
}

// AddVariable inserts a variable under its name. A name collision fails
// without mutating the existing map.
func (b *Bylaw) AddVariable(variable *Variable) error {
	if _, ok := b.variables[variable.Name]; ok {
		return fmt.Errorf("%w: variable %q in bylaw %q", ErrNameExists,
			variable.Name, b.name)
	}

	b.variables[variable.Name] = variable

	return nil
}

// RemoveVariable deletes a variable.
func (b *Bylaw) RemoveVariable(name string) error {
	if _, ok := b.variables[name]; !ok {
		return fmt.Errorf("no variable %q in bylaw %q", name, b.name)
	}

	delete(b.variables, name)

	return nil
}

// Variable returns a variable by name.
func (b *Bylaw) Variable(name string) (*Variable, error) {
	variable, ok := b.variables[name]
	if !ok {
		return nil, fmt.Errorf("no variable %q in bylaw %q", name,
			b.name)
	}

	return variable, nil
}

// VariableNames returns the sorted names of the bylaw's variables.
func (b *Bylaw) VariableNames() []string {
	return sortedKeys(b.variables)
}

// AddHook attaches a clause to a hook. The clause must exist; attaching the
// same clause to the same hook twice is rejected. A hook may trigger any
// number of distinct clauses.
func (b *Bylaw) AddHook(hookName, clauseName string) error {
	if _, ok := b.clauses[clauseName]; !ok {
		return fmt.Errorf("no clause %q in bylaw %q", clauseName,
			b.name)
	}

	for _, existing := range b.hooks[hookName] {
		if existing == clauseName {
			return fmt.Errorf("%w: clause %q on hook %q",
				ErrNameExists, clauseName, hookName)
		}
	}

	b.hooks[hookName] = append(b.hooks[hookName], clauseName)

	return nil
}

// RemoveHook detaches a clause from a hook.
func (b *Bylaw) RemoveHook(hookName, clauseName string) error {
	clauses, ok := b.hooks[hookName]
	if !ok {
		return fmt.Errorf("no hook %q in bylaw %q", hookName, b.name)
	}

	kept := clauses[:0]
	found := false
	for _, clause := range clauses {
		if clause == clauseName {
			found = true
			continue
		}
		kept = append(kept, clause)
	}
	if !found {
		return fmt.Errorf("clause %q not on hook %q", clauseName,
			hookName)
	}

	if len(kept) == 0 {
		delete(b.hooks, hookName)
		return nil
	}
	b.hooks[hookName] = kept

	return nil
}

// HookClauses returns the clauses attached to a hook, in registration order.
func (b *Bylaw) HookClauses(hookName string) []string {
	clauses := b.hooks[hookName]
	out := make([]string, len(clauses))
	copy(out, clauses)

	return out
}

// HookNames returns the sorted names of the bylaw's hooks.
func (b *Bylaw) HookNames() []string {
	return sortedKeys(b.hooks)
}

// AddCallback binds a callback to the clause answering it. A callback has
// exactly one clause; rebinding is rejected.
func (b *Bylaw) AddCallback(callbackName, clauseName string) error {
	if _, ok := b.clauses[clauseName]; !ok {
		return fmt.Errorf("no clause %q in bylaw %q", clauseName,
			b.name)
	}
	if _, ok := b.callbacks[callbackName]; ok {
		return fmt.Errorf("%w: callback %q in bylaw %q", ErrNameExists,
			callbackName, b.name)
	}

	b.callbacks[callbackName] = clauseName

	return nil
}

// RemoveCallback unbinds a callback.
func (b *Bylaw) RemoveCallback(callbackName string) error {
	if _, ok := b.callbacks[callbackName]; !ok {
		return fmt.Errorf("no callback %q in bylaw %q", callbackName,
			b.name)
	}

	delete(b.callbacks, callbackName)

	return nil
}

// Callback returns the clause bound to a callback.
func (b *Bylaw) Callback(callbackName string) (string, error) {
	clause, ok := b.callbacks[callbackName]
	if !ok {
		return "", fmt.Errorf("no callback %q in bylaw %q",
			callbackName, b.name)
	}

	return clause, nil
}

// CallbackNames returns the sorted names of the bylaw's callbacks.
func (b *Bylaw) CallbackNames() []string {
	return sortedKeys(b.callbacks)
}

// compare checks structural equality with another bylaw.
func (b *Bylaw) compare(rhs *Bylaw) error {
	if b.name != rhs.name {
		return fmt.Errorf("%w: bylaw name %q vs %q", ErrMismatch,
			b.name, rhs.name)
	}
	if b.language != rhs.language {
		return fmt.Errorf("%w: bylaw %q language %q vs %q",
			ErrMismatch, b.name, b.language, rhs.language)
	}

	if len(b.clauses) != len(rhs.clauses) {
		return fmt.Errorf("%w: bylaw %q clause count", ErrMismatch,
			b.name)
	}
	for name, source := range b.clauses {
		if rhs.clauses[name] != source {
			return fmt.Errorf("%w: bylaw %q clause %q",
				ErrMismatch, b.name, name)
		}
	}

	if len(b.variables) != len(rhs.variables) {
		return fmt.Errorf("%w: bylaw %q variable count", ErrMismatch,
			b.name)
	}
	for name, variable := range b.variables {
		other, ok := rhs.variables[name]
		if !ok || *other != *variable {
			return fmt.Errorf("%w: bylaw %q variable %q",
				ErrMismatch, b.name, name)
		}
	}

	if len(b.hooks) != len(rhs.hooks) {
		return fmt.Errorf("%w: bylaw %q hook count", ErrMismatch,
			b.name)
	}
	for hook, clauses := range b.hooks {
		other := rhs.hooks[hook]
		if len(other) != len(clauses) {
			return fmt.Errorf("%w: bylaw %q hook %q", ErrMismatch,
				b.name, hook)
		}
		for i, clause := range clauses {
			if other[i] != clause {
				return fmt.Errorf("%w: bylaw %q hook %q",
					ErrMismatch, b.name, hook)
			}
		}
	}

	if len(b.callbacks) != len(rhs.callbacks) {
		return fmt.Errorf("%w: bylaw %q callback count", ErrMismatch,
			b.name)
	}
	for callback, clause := range b.callbacks {
		if rhs.callbacks[callback] != clause {
			return fmt.Errorf("%w: bylaw %q callback %q",
				ErrMismatch, b.name, callback)
		}
	}

	return nil
}

// Scriptable is the party map plus the bylaw map of a multi-party
// agreement: everything scripted, independent of any one instrument type.
type Scriptable struct {
	parties map[string]*Party
	bylaws  map[string]*Bylaw
}

// NewScriptable builds an empty agreement structure.
func NewScriptable() Scriptable {
	return Scriptable{
		parties: make(map[string]*Party),
		bylaws:  make(map[string]*Bylaw),
	}
}

// AddParty inserts a party under its name. A name collision fails without
// mutating the existing map.
func (s *Scriptable) AddParty(party *Party) error {
	if _, ok := s.parties[party.Name()]; ok {
		return fmt.Errorf("%w: party %q", ErrNameExists, party.Name())
	}

	s.parties[party.Name()] = party

	return nil
}

// RemoveParty deletes a party.
func (s *Scriptable) RemoveParty(name string) error {
	if _, ok := s.parties[name]; !ok {
		return fmt.Errorf("no party %q", name)
	}

	delete(s.parties, name)

	return nil
}

// Party resolves a party by name.
func (s *Scriptable) Party(name string) (*Party, error) {
	party, ok := s.parties[name]
	if !ok {
		return nil, fmt.Errorf("no party %q", name)
	}

	return party, nil
}

// PartyNames returns the sorted names of the agreement's parties.
func (s *Scriptable) PartyNames() []string {
	return sortedKeys(s.parties)
}

// PartyCount returns how many parties the agreement names.
func (s *Scriptable) PartyCount() int {
	return len(s.parties)
}

// AddBylaw inserts a bylaw under its name. A name collision fails without
// mutating the existing map.
func (s *Scriptable) AddBylaw(bylaw *Bylaw) error {
	if _, ok := s.bylaws[bylaw.Name()]; ok {
		return fmt.Errorf("%w: bylaw %q", ErrNameExists, bylaw.Name())
	}

	s.bylaws[bylaw.Name()] = bylaw

	return nil
}

// RemoveBylaw deletes a bylaw.
func (s *Scriptable) RemoveBylaw(name string) error {
	if _, ok := s.bylaws[name]; !ok {
		return fmt.Errorf("no bylaw %q", name)
	}

	delete(s.bylaws, name)

	return nil
}

// Bylaw resolves a bylaw by name.
func (s *Scriptable) Bylaw(name string) (*Bylaw, error) {
	bylaw, ok := s.bylaws[name]
	if !ok {
		return nil, fmt.Errorf("no bylaw %q", name)
	}

	return bylaw, nil
}

// BylawNames returns the sorted names of the agreement's bylaws.
func (s *Scriptable) BylawNames() []string {
	return sortedKeys(s.bylaws)
}

// AllPartiesHaveSupposedlyConfirmed reports whether every party has
// attached a non-empty signed copy. "Supposedly" because the copies still
// need structural verification against the canonical text.
func (s *Scriptable) AllPartiesHaveSupposedlyConfirmed() bool {
	if len(s.parties) == 0 {
		return false
	}

	for _, party := range s.parties {
		if party.SignedCopy() == "" {
			return false
		}
	}

	return true
}

// Compare checks structural equality with another agreement: same party and
// bylaw structure throughout. Mismatches are reported, never resolved.
func (s *Scriptable) Compare(rhs *Scriptable) error {
	if len(s.parties) != len(rhs.parties) {
		return fmt.Errorf("%w: %v parties vs %v", ErrMismatch,
			len(s.parties), len(rhs.parties))
	}
	for name, party := range s.parties {
		other, ok := rhs.parties[name]
		if !ok {
			return fmt.Errorf("%w: missing party %q", ErrMismatch,
				name)
		}
		if err := party.Compare(other); err != nil {
			return err
		}
	}

	if len(s.bylaws) != len(rhs.bylaws) {
		return fmt.Errorf("%w: %v bylaws vs %v", ErrMismatch,
			len(s.bylaws), len(rhs.bylaws))
	}
	for name, bylaw := range s.bylaws {
		other, ok := rhs.bylaws[name]
		if !ok {
			return fmt.Errorf("%w: missing bylaw %q", ErrMismatch,
				name)
		}
		if err := bylaw.compare(other); err != nil {
			return err
		}
	}

	return nil
}

// sortedKeys returns the sorted keys of a string-keyed map.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}
