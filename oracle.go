package chocola

import (
	"sync"
	"sync/atomic"

	"github.com/elliotcourant/chocola/z"
)

type (
	// oracle hands out the points that order every transaction of an engine, and the ids of its refs.
	oracle struct {
		// lastPoint is the last point handed out. Read points and commit points come from the same sequence.
		lastPoint uint64

		// lastRefId is the id of the last ref created.
		lastRefId uint64

		// commitLock makes sure commit points enter commitMark in the same order as they were handed out.
		commitLock sync.Mutex

		// commitMark tracks commits from the moment they take their point until their effects and watches have been
		// delivered.
		commitMark *z.WaterMark

		// closer is used to stop the watermark.
		closer *z.Closer
	}
)

func newOracle(opts Options) *oracle {
	orc := &oracle{
		commitMark: &z.WaterMark{Name: "chocola.CommitPoint"},
		closer:     z.NewCloser(1),
	}

	orc.commitMark.Init(orc.closer, opts.EventLogging)

	return orc
}

// nextPoint returns a new read point.
func (o *oracle) nextPoint() uint64 {
	return atomic.AddUint64(&o.lastPoint, 1)
}

// nextCommitPoint returns a new commit point and begins it on the commit watermark. doneCommit must be called with it
// once the commit has been delivered.
func (o *oracle) nextCommitPoint() uint64 {
	o.commitLock.Lock()
	defer o.commitLock.Unlock()

	point := o.nextPoint()
	o.commitMark.Begin(point)

	return point
}

func (o *oracle) doneCommit(point uint64) {
	o.commitMark.Done(point)
}

func (o *oracle) nextRefId() uint64 {
	return atomic.AddUint64(&o.lastRefId, 1)
}

func (o *oracle) stop() {
	o.closer.SignalAndWait()
}
