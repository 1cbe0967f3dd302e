package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/migratectl/internal/checkpoint"
	"github.com/danmuck/migratectl/internal/control"
	"github.com/danmuck/migratectl/internal/engine"
	"github.com/danmuck/migratectl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultEntry is the guest export called when Config.Entry is empty.
const DefaultEntry = "_start"

// Config binds a server to its module, control block and snapshot files.
type Config struct {
	ModulePath  string
	ControlPath string
	Snapshots   checkpoint.Paths
	Entry       string
	// MetricsTextfile, when set, receives a metrics dump on release.
	MetricsTextfile string
}

// Server owns one guest instance and the control block it was bound to.
type Server struct {
	mu sync.RWMutex

	id    string
	cfg   Config
	phase Phase
	log   zerolog.Logger

	engine   engine.Engine
	store    *checkpoint.Store
	block    *control.Block
	unlock   func() error
	instance engine.Instance
	caps     *capabilities
}

// New constructs a server in the configuring phase. The server takes
// ownership of eng and closes it on Release.
func New(cfg Config, eng engine.Engine) *Server {
	if strings.TrimSpace(cfg.Entry) == "" {
		cfg.Entry = DefaultEntry
	}
	id := uuid.NewString()
	return &Server{
		id:     id,
		cfg:    cfg,
		phase:  PhaseConfiguring,
		log:    observability.ComponentLogger("server", id),
		engine: eng,
		store:  checkpoint.NewStore(cfg.Snapshots),
	}
}

// ID is the random instance id used to correlate log lines.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Contract is the guest contract every module must satisfy.
func Contract(entry string) engine.Contract {
	regions := checkpoint.Regions()
	mems := make([]engine.MemoryRequirement, 0, len(regions))
	for _, r := range regions {
		mems = append(mems, engine.MemoryRequirement{Name: r.Name, MinBytes: r.Size})
	}
	return engine.Contract{Entry: entry, Memories: mems}
}

// Configure claims and initializes the control block, then compiles and
// instantiates the guest. It transitions configuring->loaded.
func (s *Server) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConfiguring {
		return transitionError(s.phase, PhaseLoaded)
	}

	path := s.cfg.ControlPath
	unlock, err := control.Claim(path)
	if err != nil {
		return err
	}
	s.unlock = unlock
	if err := control.Create(path, control.BlockSize); err != nil {
		return err
	}
	block, err := control.Map(path)
	if err != nil {
		return err
	}
	s.block = block
	if err := block.Initialize(); err != nil {
		return err
	}
	block.PublishPhase(PhaseConfiguring.Code())

	wasm, err := os.ReadFile(s.cfg.ModulePath)
	if err != nil {
		return fmt.Errorf("%w: read module %s: %v", ErrIO, s.cfg.ModulePath, err)
	}
	mod, err := s.engine.Compile(wasm, Contract(s.cfg.Entry))
	if err != nil {
		return err
	}
	s.caps = &capabilities{block: block, store: s.store, log: s.log}
	inst, err := s.engine.Instantiate(mod, s.caps)
	if err != nil {
		return err
	}
	s.instance = inst

	s.setPhaseLocked(PhaseLoaded)
	s.log.Info().
		Str("module", s.cfg.ModulePath).
		Str("control", path).
		Str("entry", s.cfg.Entry).
		Int("module_bytes", len(wasm)).
		Msg("server.Configure loaded")
	return nil
}

// AwaitActivation parks on the activation gate until an operator posts it.
// There is no timeout.
func (s *Server) AwaitActivation() error {
	s.mu.Lock()
	if s.phase != PhaseLoaded {
		err := transitionError(s.phase, PhaseWaiting)
		s.mu.Unlock()
		return err
	}
	s.setPhaseLocked(PhaseWaiting)
	block := s.block
	s.mu.Unlock()

	s.log.Info().Str("control", block.Path()).Msg("server.AwaitActivation waiting")
	start := time.Now()
	if err := block.AwaitActivation(); err != nil {
		return err
	}
	waited := time.Since(start)
	observability.RecordActivationWait(waited)

	s.mu.Lock()
	s.setPhaseLocked(PhaseRunning)
	s.mu.Unlock()
	s.log.Info().Dur("waited", waited).Msg("server.AwaitActivation activated")
	return nil
}

// Execute runs the guest entry export to its end and classifies how it
// ended. A checkpoint request writes both memory regions before returning.
// The error is non-nil only when the server is not running.
func (s *Server) Execute() (Outcome, error) {
	s.mu.RLock()
	phase := s.phase
	inst := s.instance
	s.mu.RUnlock()
	if phase != PhaseRunning {
		return Outcome{}, transitionError(phase, PhaseCompleted)
	}

	start := time.Now()
	err := inst.Call(s.cfg.Entry)
	elapsed := time.Since(start)

	var out Outcome
	switch {
	case s.caps.err != nil:
		out = failed(PhaseFaulted, fmt.Errorf("host capability: %w", s.caps.err))
	case err == nil:
		out = Outcome{Status: PhaseCompleted}
	case errors.Is(err, engine.ErrCheckpoint):
		s.setPhase(PhaseCheckpointing)
		out = s.checkpoint(inst)
	default:
		out = failed(PhaseFaulted, err)
	}
	if out.Status != PhaseCheckpointing {
		s.setPhase(out.Status)
	}
	observability.RecordExecute(string(out.Status), elapsed)

	event := s.log.Info()
	if out.Fault != FaultNone {
		event = s.log.Error().Err(out.Err).Str("fault", string(out.Fault))
	}
	event.
		Str("status", string(out.Status)).
		Dur("elapsed", elapsed).
		Int("polls", s.caps.polls).
		Int("restores", s.caps.restores).
		Msg("server.Execute finished")
	return out, nil
}

func (s *Server) checkpoint(mem engine.Memories) Outcome {
	start := time.Now()
	if err := s.store.Snapshot(mem); err != nil {
		return failed(PhaseCheckpointing, err)
	}
	sizes := make(map[string]int, len(checkpoint.Regions()))
	for _, r := range checkpoint.Regions() {
		sizes[r.Name] = r.Size
	}
	observability.RecordSnapshot(sizes, time.Since(start))
	s.log.Info().
		Str("primary", s.cfg.Snapshots.Primary).
		Str("scratch", s.cfg.Snapshots.Scratch).
		Msg("server.Execute checkpoint written")
	return Outcome{Status: PhaseCheckpointing}
}

// Release tears down the instance, engine and control block mapping and
// drops the owner lock. The backing file stays on disk with the terminated
// phase published, but Open refuses it until another server initializes it.
func (s *Server) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseTerminated {
		return transitionError(s.phase, PhaseTerminated)
	}

	var errs []error
	if s.instance != nil {
		errs = append(errs, s.instance.Close())
		s.instance = nil
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
		s.engine = nil
	}
	s.setPhaseLocked(PhaseTerminated)
	if s.block != nil {
		// Nothing waits on the gate any more; later activators must not post.
		errs = append(errs, s.block.Retire())
		errs = append(errs, s.block.Close())
		s.block = nil
	}
	if s.unlock != nil {
		errs = append(errs, s.unlock())
		s.unlock = nil
	}
	if s.cfg.MetricsTextfile != "" {
		if err := observability.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
			errs = append(errs, fmt.Errorf("%w: metrics textfile: %v", ErrIO, err))
		}
	}
	s.log.Debug().Msg("server.Release terminated")
	return errors.Join(errs...)
}

// Run drives the whole lifecycle and always releases.
func (s *Server) Run() Outcome {
	out := s.run()
	observability.RecordOutcome(string(out.Status), string(out.Fault))
	if err := s.Release(); err != nil {
		s.log.Warn().Err(err).Msg("server.Run release failed")
	}
	return out
}

func (s *Server) run() Outcome {
	if err := s.Configure(); err != nil {
		s.log.Error().Err(err).Msg("server.Run configure failed")
		return failed(s.Phase(), err)
	}
	if err := s.AwaitActivation(); err != nil {
		s.log.Error().Err(err).Msg("server.Run activation failed")
		return failed(s.Phase(), err)
	}
	out, err := s.Execute()
	if err != nil {
		return failed(s.Phase(), err)
	}
	return out
}

func (s *Server) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPhaseLocked(p)
}

func (s *Server) setPhaseLocked(p Phase) {
	s.phase = p
	if s.block != nil {
		s.block.PublishPhase(p.Code())
	}
}
