package ids

import (
	"crypto/rand"
	"math/big"
	mathrand "math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// AccountPrefix is the bank identifier every account number starts with.
	AccountPrefix = "4070"
	// ReferencePrefix starts every transaction reference number.
	ReferencePrefix = "TXN"

	accountDigits   = 12
	referenceSuffix = 5
	crockford       = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	tenPow = new(big.Int).Exp(big.NewInt(10), big.NewInt(accountDigits), nil)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAccountNumber returns AccountPrefix followed by 12 random digits.
// Uniqueness is not checked here; callers verify against the account store.
func NewAccountNumber() string {
	n, err := rand.Int(rand.Reader, tenPow)
	if err != nil {
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	digits := n.String()
	return AccountPrefix + strings.Repeat("0", accountDigits-len(digits)) + digits
}

// NewReferenceNumber returns a short support code such as TXNMVAX11C0-7RQ2D.
// It is not collision-free and must not be used as an idempotency token.
func NewReferenceNumber() string {
	return referenceAt(time.Now())
}

func referenceAt(t time.Time) string {
	var buf [referenceSuffix]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	var b strings.Builder
	b.Grow(len(ReferencePrefix) + 10 + 1 + referenceSuffix)
	b.WriteString(ReferencePrefix)
	b.WriteString(strings.ToUpper(strconv.FormatInt(t.UTC().UnixMilli(), 36)))
	b.WriteByte('-')
	for _, c := range buf {
		b.WriteByte(crockford[int(c)%len(crockford)])
	}
	return b.String()
}
