package crash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	hashHexChars = 13 // 52 bits
	jitterSpread = 0.015
	instantCrash = 0.03
)

// crashBucket maps r in [from, upper) linearly onto [lo, hi).
type crashBucket struct {
	upper  float64
	lo, hi float64
}

// crashBuckets follow the instant-crash bucket [0, instantCrash).
var crashBuckets = []crashBucket{
	{upper: 0.40, lo: 1.00, hi: 1.50},
	{upper: 0.65, lo: 1.50, hi: 2.00},
	{upper: 0.80, lo: 2.00, hi: 3.00},
	{upper: 0.90, lo: 3.00, hi: 5.00},
	{upper: 0.96, lo: 5.00, hi: 10.00},
	{upper: 0.99, lo: 10.00, hi: 25.00},
	{upper: 0.997, lo: 25.00, hi: 50.00},
	{upper: 1.00, lo: 50.00, hi: 150.00},
}

// CommitmentHash is the public commitment published before bets open.
func CommitmentHash(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// NextSeed returns the successor of seed in a hash chain.
func NextSeed(seed string) string {
	return CommitmentHash(seed)
}

// Chain derives n server seeds from one initial hash; seeds[0] == initial.
func Chain(initial string, n int) []string {
	if n <= 0 {
		return nil
	}
	seeds := make([]string, n)
	seeds[0] = initial
	for i := 1; i < n; i++ {
		seeds[i] = NextSeed(seeds[i-1])
	}
	return seeds
}

// roundHMAC is HMAC-SHA256 keyed by the server seed over clientSeed-salt.
func roundHMAC(serverSeed, clientSeed, salt string) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(clientSeed + "-" + salt))
	return hex.EncodeToString(mac.Sum(nil))
}

func uniform52(hexChars string) float64 {
	h, err := strconv.ParseUint(hexChars, 16, 64)
	if err != nil {
		return 0
	}
	return float64(h) / math.Exp2(52)
}

// Uniforms returns the outcome draw r and the jitter draw j, both in [0,1).
// r comes from the top 52 bits of the round HMAC, j from the next 52.
func Uniforms(serverSeed, clientSeed, salt string) (r, j float64) {
	digest := roundHMAC(serverSeed, clientSeed, salt)
	return uniform52(digest[:hashHexChars]), uniform52(digest[hashHexChars : 2*hashHexChars])
}

// BucketMultiplier maps r through the piecewise table. instant is true for
// the instant-crash bucket.
func BucketMultiplier(r float64) (m float64, instant bool) {
	if r < instantCrash {
		return 1, true
	}
	from := instantCrash
	for _, b := range crashBuckets {
		if r < b.upper {
			return b.lo + (r-from)/(b.upper-from)*(b.hi-b.lo), false
		}
		from = b.upper
	}
	last := crashBuckets[len(crashBuckets)-1]
	return last.hi, false
}

// CrashPoint derives a round outcome. It is the single formula used both to
// generate rounds and to verify them.
func CrashPoint(serverSeed, clientSeed, salt string, houseEdge float64) float64 {
	r, j := Uniforms(serverSeed, clientSeed, salt)
	base, instant := BucketMultiplier(r)
	if instant {
		return 1
	}
	jitter := 1 + (2*j-1)*jitterSpread
	v := floor2(base * jitter / (1 - houseEdge))
	if v < 1 {
		return 1
	}
	return v
}

// VerifyInput identifies a finished round for auditing. ServerSeed is
// required; CommitmentHash, when set, must match it.
type VerifyInput struct {
	ServerSeed     string
	CommitmentHash string
	ClientSeed     string
	Salt           string
	HouseEdge      float64
}

type VerifyResult struct {
	CommitmentHash string
	CrashPoint     float64
}

// Verify recomputes a crash point from revealed inputs.
func Verify(in VerifyInput) (VerifyResult, error) {
	seed := strings.TrimSpace(in.ServerSeed)
	if seed == "" {
		return VerifyResult{}, fmt.Errorf("server seed is required")
	}
	if in.HouseEdge < 0 || in.HouseEdge >= 1 {
		return VerifyResult{}, fmt.Errorf("house edge must be in [0,1), got %v", in.HouseEdge)
	}
	commitment := CommitmentHash(seed)
	if want := strings.ToLower(strings.TrimSpace(in.CommitmentHash)); want != "" && want != commitment {
		return VerifyResult{}, ErrCommitmentMismatch
	}
	return VerifyResult{
		CommitmentHash: commitment,
		CrashPoint:     CrashPoint(seed, in.ClientSeed, in.Salt, in.HouseEdge),
	}, nil
}

// Commitment is one pre-generated round outcome of a batch.
type Commitment struct {
	ServerSeed     string
	CommitmentHash string
	Salt           string
	CrashPoint     float64
}

// GenerateBatch derives len(salts) commitments from one initial hash. The
// chain is consumed back to front so revealing a seed never reveals the
// seed of a later round.
func GenerateBatch(initial, clientSeed string, houseEdge float64, salts []string) []Commitment {
	seeds := Chain(initial, len(salts))
	out := make([]Commitment, len(salts))
	for i, salt := range salts {
		seed := seeds[len(seeds)-1-i]
		out[i] = Commitment{
			ServerSeed:     seed,
			CommitmentHash: CommitmentHash(seed),
			Salt:           salt,
			CrashPoint:     CrashPoint(seed, clientSeed, salt, houseEdge),
		}
	}
	return out
}
