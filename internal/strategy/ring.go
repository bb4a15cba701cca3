package strategy

import "github.com/shopspring/decimal"

// ring is a fixed-capacity price buffer. Strategies keep one per symbol;
// appends overwrite the oldest entry once full.
type ring struct {
	buf  []decimal.Decimal
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]decimal.Decimal, capacity)}
}

func (r *ring) push(v decimal.Decimal) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) full() bool { return r.n == len(r.buf) }
func (r *ring) len() int   { return r.n }

// at returns the i-th newest value; at(0) is the latest push.
func (r *ring) at(i int) decimal.Decimal {
	idx := (r.head - 1 - i + 2*len(r.buf)) % len(r.buf)
	return r.buf[idx]
}

// mean averages the newest n values.
func (r *ring) mean(n int) decimal.Decimal {
	if n <= 0 || n > r.n {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(r.at(i))
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
