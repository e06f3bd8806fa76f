package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// A single monotonic entropy source, seeded from crypto/rand, keeps ids
	// minted within the same millisecond in increasing order. The mutex in
	// New serializes reads from it.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New mints a ULID string. Envelope, directive, proposal and audit ids all
// come from here, so anything keyed by id sorts in creation order.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// only possible if the entropy reader fails
		panic(err)
	}
	return id.String()
}
