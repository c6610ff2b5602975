package chocola

type (
	// entry is one provisional value held by a working set. Entries are never modified once created, the identity of
	// the pointer is what a merge compares to find out if a parent wrote a ref after forking a child.
	entry struct {
		value interface{}
	}

	// version is a committed value of a ref along with the point it was committed at.
	version struct {
		value interface{}
		point uint64
	}

	// commuteCall is a single call to Ref.Commute, replayed at commit time against the newest committed value.
	commuteCall struct {
		fn   UpdateFunc
		args []interface{}
	}

	// notification is queued during commit for every written ref that has watches, and delivered once all of the
	// commit's locks have been released.
	notification struct {
		ref      *Ref
		oldValue interface{}
		newValue interface{}
	}
)
