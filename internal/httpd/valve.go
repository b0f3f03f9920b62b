package httpd

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the rate at which a connection is read from and written to, and records usage.
// rx is from client to server, tx is from server to client.
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

// MakeValve creates a Valve limited to rxRate and txRate bytes per second. A rate of 0 or less means unlimited.
func MakeValve(rxRate, txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

// a nil bucket never makes anyone wait
func bucketOf(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func wait(tb *atomic.Value, n int) {
	if b := tb.Load().(*ratelimit.Bucket); b != nil {
		b.Wait(int64(n))
	}
}

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(bucketOf(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(bucketOf(rate)) }
func (v *Valve) rxWait(n int)         { wait(&v.rxtb, n) }
func (v *Valve) txWait(n int)         { wait(&v.txtb, n) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(v.tx) }
