package ipc

// DefaultController is the concrete Controller every ipc.Service uses
// unless an embedder supplies its own (spec section 4.11, 6.2):
// snappy-backed compression above CompressMinSize, default-accept
// authentication, LocalNetworkId = 0, and an empty relay iterator
// (relay routing is out of core scope per spec section 1).
type DefaultController struct {
	cfg Config

	// ScheduleTalkerFunc, if set, is invoked once per newly created
	// Talker so the embedder may schedule it onto its own AIO
	// scheduler (spec section 6.2: "scheduleTalker(aio_object)").
	ScheduleTalkerFunc func(t *Talker)

	// AuthenticateFunc overrides the default accept-everything
	// behavior; nil means always accept (return 0).
	AuthenticateFunc func(signal interface{}, flags uint32) int
}

// NewDefaultController builds a DefaultController from cfg.
func NewDefaultController(cfg Config) *DefaultController {
	return &DefaultController{cfg: cfg}
}

func (c *DefaultController) ShouldCompress(payloadSize int) bool {
	return payloadSize >= c.cfg.CompressMinSize
}

func (c *DefaultController) CompressBuffer(buf []byte) ([]byte, bool) {
	return snappyCompress(buf)
}

func (c *DefaultController) DecompressBuffer(buf []byte) ([]byte, bool) {
	return snappyDecompress(buf)
}

func (c *DefaultController) SessionKeepAlive() int64  { return c.cfg.SessionKeepAliveMillis }
func (c *DefaultController) ResponseKeepAlive() int64 { return c.cfg.ResponseKeepAliveMillis }

func (c *DefaultController) Authenticate(signal interface{}, flags uint32) int {
	if c.AuthenticateFunc != nil {
		return c.AuthenticateFunc(signal, flags)
	}
	return 0
}

// LocalNetworkID is the default described in spec section 6.2; relay
// routing (and thus a nonzero network id) is out of this core's scope.
const LocalNetworkID uint32 = 0

// InvalidNetworkID marks "no network id assigned" (spec section 6.2).
const InvalidNetworkID int64 = -1

func (c *DefaultController) LocalNetworkID() uint32 { return LocalNetworkID }

// ScheduleTalker hands t to ScheduleTalkerFunc when one is set.
func (c *DefaultController) ScheduleTalker(t *Talker) {
	if c.ScheduleTalkerFunc != nil {
		c.ScheduleTalkerFunc(t)
	}
}

// GatewayIterator returns no relay hops: relay paths are an explicit
// out-of-core-scope collaborator hook (spec section 1, 6.2).
func (c *DefaultController) GatewayIterator(peerAddr string, peerNetID uint32) []string {
	return nil
}
