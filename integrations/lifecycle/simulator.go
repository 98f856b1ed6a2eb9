package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
)

var (
	ErrUnknownProgram = errors.New("lifecycle: unknown program")
	ErrProgramClosed  = errors.New("lifecycle: program closed")
	ErrEmptyBuffer    = errors.New("lifecycle: empty upgrade buffer")
)

// Program is the simulator's view of a deployed executable.
type Program struct {
	ID        crypto.Identity `json:"id"`
	Authority crypto.Identity `json:"authority"`
	Lamports  uint64          `json:"lamports"`
	Upgrades  uint64          `json:"upgrades"`
	Closed    bool            `json:"closed"`
}

// Simulator is an in-memory program loader used by local deployments and
// tests.
type Simulator struct {
	mu       sync.Mutex
	programs map[crypto.Identity]*Program
}

func NewSimulator() *Simulator {
	return &Simulator{programs: make(map[crypto.Identity]*Program)}
}

var _ treasury.ProgramLifecycle = (*Simulator)(nil)

// Deploy registers a program holding lamports of rent.
func (s *Simulator) Deploy(programID, authority crypto.Identity, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[programID] = &Program{ID: programID, Authority: authority, Lamports: lamports}
}

// Program returns a copy of the program state.
func (s *Simulator) Program(programID crypto.Identity) (Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[programID]
	if !ok {
		return Program{}, false
	}
	return *p, true
}

func (s *Simulator) open(programID crypto.Identity) (*Program, error) {
	p, ok := s.programs[programID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, programID)
	}
	if p.Closed {
		return nil, fmt.Errorf("%w: %s", ErrProgramClosed, programID)
	}
	return p, nil
}

func (s *Simulator) TransferAuthority(_ context.Context, programID, newAuthority crypto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.open(programID)
	if err != nil {
		return err
	}
	p.Authority = newAuthority
	return nil
}

func (s *Simulator) Upgrade(_ context.Context, programID crypto.Identity, buffer []byte) error {
	if len(buffer) == 0 {
		return ErrEmptyBuffer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.open(programID)
	if err != nil {
		return err
	}
	p.Upgrades++
	return nil
}

// Close marks the program closed and returns its lamports.
func (s *Simulator) Close(_ context.Context, programID crypto.Identity) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.open(programID)
	if err != nil {
		return 0, err
	}
	recovered := p.Lamports
	p.Lamports = 0
	p.Closed = true
	return recovered, nil
}
