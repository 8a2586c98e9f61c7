package ipc

import (
	"net"
	"sync"

	"github.com/charmbracelet/log"
)

// Service is the IPC entry point (spec section 4.10): owns a pool of
// Talkers, maps peer addresses to (talker, session), spawns new
// Talkers once sessions_per_talker is reached, and caps the total
// Talker count.
type Service struct {
	log  *log.Logger
	cfg  Config
	ctrl Controller

	mu      sync.Mutex
	talkers []*Talker
	byPeer  map[string]*Talker

	onDeliver func(peer *net.UDPAddr, payload []byte)

	metrics *Metrics
}

// NewService constructs an IPC Service with no Talkers yet; the first
// SendSignal call (or an explicit Listen) creates one.
func NewService(cfg Config, ctrl Controller) *Service {
	return &Service{
		log:    newLogger("ipc/service"),
		cfg:    cfg,
		ctrl:   ctrl,
		byPeer: make(map[string]*Talker),
	}
}

// Listen binds a Talker at laddr and starts it immediately, useful for
// a service that must accept inbound connections on a known port
// rather than only dialing out.
func (s *Service) Listen(laddr string) (*Talker, error) {
	return s.newTalker(laddr)
}

func (s *Service) newTalker(laddr string) (*Talker, error) {
	t, err := NewTalker(s.cfg, s.ctrl, laddr)
	if err != nil {
		return nil, err
	}
	t.SetDeliverFunc(func(peer *net.UDPAddr, payload []byte) {
		if s.onDeliver != nil {
			s.onDeliver(peer, payload)
		}
	})
	if s.metrics != nil {
		t.SetMetrics(s.metrics, t.LocalAddr().String())
	}
	t.Start()

	if dc, ok := s.ctrl.(*DefaultController); ok {
		dc.ScheduleTalker(t)
	}

	s.mu.Lock()
	s.talkers = append(s.talkers, t)
	s.mu.Unlock()
	return t, nil
}

// talkerFor returns the Talker already owning peerAddr, or selects one
// with spare session capacity, spawning a new Talker if every existing
// one is at sessions_per_talker and the talker cap has not been
// reached (spec section 4.9's "Rationale for Talker multiplicity").
func (s *Service) talkerFor(peerAddr *net.UDPAddr) (*Talker, error) {
	key := peerAddr.String()

	s.mu.Lock()
	if t, ok := s.byPeer[key]; ok {
		s.mu.Unlock()
		return t, nil
	}

	var chosen *Talker
	for _, t := range s.talkers {
		if t.SessionCount() < s.cfg.SessionsPerTalker {
			chosen = t
			break
		}
	}
	spawnNeeded := chosen == nil
	talkerCount := len(s.talkers)
	s.mu.Unlock()

	if spawnNeeded {
		if talkerCount >= s.cfg.MaxTalkers {
			return nil, ErrTalkerFull
		}
		t, err := s.newTalker(":0")
		if err != nil {
			return nil, err
		}
		chosen = t
	}

	s.mu.Lock()
	s.byPeer[key] = chosen
	s.mu.Unlock()
	return chosen, nil
}

// SendSignal is the service's entry point (spec section 4.10):
// locates or creates the session for recipient (allocating a Talker if
// needed), enqueues the signal, and returns the session's signal uid.
// Neither Service nor Talker installs a completion callback on the
// session.
func (s *Service) SendSignal(recipient *net.UDPAddr, payload []byte, opts SignalOptions) (uint32, error) {
	t, err := s.talkerFor(recipient)
	if err != nil {
		return 0, err
	}
	return t.EnqueueSignal(recipient, payload, opts), nil
}

// SetDeliverFunc installs the callback invoked with every payload
// delivered by any session any Talker in this service owns.
func (s *Service) SetDeliverFunc(fn func(peer *net.UDPAddr, payload []byte)) {
	s.onDeliver = fn
}

// SetMetrics installs the Metrics set every Talker this service spawns
// from now on reports into (SPEC_FULL.md section 4.12). Talkers
// already running when SetMetrics is called are unaffected — call it
// before the first SendSignal/Listen.
func (s *Service) SetMetrics(m *Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// ObserveMetrics snapshots every owned Talker's session count and
// window occupancy into m. Intended to be called periodically by the
// embedder, not from the hot path.
func (s *Service) ObserveMetrics(m *Metrics) {
	s.mu.Lock()
	talkers := append([]*Talker(nil), s.talkers...)
	s.mu.Unlock()
	for _, t := range talkers {
		m.Observe(t.LocalAddr().String(), t)
	}
}

// TalkerCount returns the number of Talkers currently running.
func (s *Service) TalkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.talkers)
}

// Stop halts every owned Talker.
func (s *Service) Stop() {
	s.mu.Lock()
	talkers := append([]*Talker(nil), s.talkers...)
	s.mu.Unlock()
	for _, t := range talkers {
		t.Stop()
	}
}
