package ledger

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDProvider issues identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 session identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct {
	mutex   sync.Mutex
	clock   func() time.Time
	entropy io.Reader
}

// NewULIDProvider constructs an IDProvider whose identifiers sort by creation time, strictly
// increasing within the same millisecond.
func NewULIDProvider(clock func() time.Time) IDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &ulidProvider{clock: clock, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
