package instrument

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

type Status string

const (
	Trading  Status = "TRADING"
	Halted   Status = "HALTED"
	Delisted Status = "DELISTED"
)

// Instrument is a listed property token.
type Instrument struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status Status `json:"status"`
}

// Registry tracks listed instruments in a thread-safe manner.
// An empty registry is open: every instrument is tradable.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]*Instrument)}
}

// ParseList builds a registry from "ID[=Name],ID[=Name]".
func ParseList(list string) (*Registry, error) {
	r := NewRegistry()
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, name, _ := strings.Cut(item, "=")
		if err := r.Register(&Instrument{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name), Status: Trading}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an instrument. Returns error if the id is already listed.
func (r *Registry) Register(in *Instrument) error {
	if in == nil || in.ID == "" {
		return fmt.Errorf("cannot register instrument without id")
	}
	if in.Status == "" {
		in.Status = Trading
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.ID]; exists {
		return fmt.Errorf("instrument %s already registered", in.ID)
	}
	r.instruments[in.ID] = in
	return nil
}

func (r *Registry) Get(id string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.instruments[id]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %s not found", id)
	}
	return *in, nil
}

// List returns a copy of every listed instrument sorted by id.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Open reports whether the registry accepts any instrument.
func (r *Registry) Open() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments) == 0
}

// CheckAdmission returns core.ErrInstrumentNotTradable unless new orders may be
// accepted for id.
func (r *Registry) CheckAdmission(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.instruments) == 0 {
		return nil
	}
	in, ok := r.instruments[id]
	if !ok {
		return fmt.Errorf("%w: %s is not listed", core.ErrInstrumentNotTradable, id)
	}
	if in.Status != Trading {
		return fmt.Errorf("%w: %s is %s", core.ErrInstrumentNotTradable, id, strings.ToLower(string(in.Status)))
	}
	return nil
}

// Matchable reports whether the sweeper should run matching for id. Unlisted
// instruments in a closed registry can still hold orders admitted before a
// config change; they are matched so they can drain.
func (r *Registry) Matchable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.instruments[id]
	if !ok {
		return true
	}
	return in.Status == Trading
}

// SetStatus changes the trading status of an instrument.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s not found", id)
	}
	if err := validateTransition(in.Status, status); err != nil {
		return err
	}
	in.Status = status
	return nil
}

func validateTransition(from, to Status) error {
	// Trading <-> Halted, either -> Delisted, Delisted is terminal
	switch {
	case from == Delisted:
		return fmt.Errorf("cannot change status from %s (terminal state)", Delisted)
	case to != Trading && to != Halted && to != Delisted:
		return fmt.Errorf("unknown instrument status %q", to)
	}
	return nil
}
