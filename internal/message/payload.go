package message

// FileRef points at a data file written for a commit.
type FileRef struct {
	Path        string `msgpack:"path"`
	RecordCount int64  `msgpack:"records"`
	SizeBytes   int64  `msgpack:"size"`
}

// PartitionOffset is the next offset to read for a source partition.
type PartitionOffset struct {
	Topic     string `msgpack:"topic"`
	Partition int    `msgpack:"partition"`
	Offset    int64  `msgpack:"offset"`
}

// CommitRequest is the payload of TypeCommitRequest.
type CommitRequest struct {
	Tables []string `msgpack:"tables,omitempty"`
}

// Covers reports whether the request applies to table. An empty list covers all tables.
func (r CommitRequest) Covers(table string) bool {
	if len(r.Tables) == 0 {
		return true
	}
	for _, t := range r.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// DataWritten is the payload of TypeDataWritten.
type DataWritten struct {
	Table      string    `msgpack:"table"`
	SnapshotID int64     `msgpack:"snapshot_id,omitempty"`
	Files      []FileRef `msgpack:"files"`
}

// DataComplete is the payload of TypeDataComplete.
type DataComplete struct {
	Assignments []PartitionOffset `msgpack:"assignments"`
}

// CommitComplete is the payload of TypeCommitComplete.
type CommitComplete struct {
	Table      string `msgpack:"table"`
	SnapshotID int64  `msgpack:"snapshot_id"`
	// ValidThroughMs is the newest source record timestamp included in the snapshot.
	ValidThroughMs int64 `msgpack:"valid_through_ms,omitempty"`
}

func NewCommitRequest(commitID string, tables ...string) (Message, error) {
	return newMessage(TypeCommitRequest, commitID, &CommitRequest{Tables: tables})
}

func NewCommitComplete(commitID string, p CommitComplete) (Message, error) {
	return newMessage(TypeCommitComplete, commitID, &p)
}

func NewDataWritten(commitID string, p DataWritten) (Message, error) {
	return newMessage(TypeDataWritten, commitID, &p)
}

func NewDataComplete(commitID string, p DataComplete) (Message, error) {
	return newMessage(TypeDataComplete, commitID, &p)
}

// CommitRequest decodes the payload of a TypeCommitRequest message.
func (m Message) CommitRequest() (CommitRequest, error) {
	var p CommitRequest
	err := m.decodePayload(TypeCommitRequest, &p)
	return p, err
}

// CommitComplete decodes the payload of a TypeCommitComplete message.
func (m Message) CommitComplete() (CommitComplete, error) {
	var p CommitComplete
	err := m.decodePayload(TypeCommitComplete, &p)
	return p, err
}

// DataWritten decodes the payload of a TypeDataWritten message.
func (m Message) DataWritten() (DataWritten, error) {
	var p DataWritten
	err := m.decodePayload(TypeDataWritten, &p)
	return p, err
}

// DataComplete decodes the payload of a TypeDataComplete message.
func (m Message) DataComplete() (DataComplete, error) {
	var p DataComplete
	err := m.decodePayload(TypeDataComplete, &p)
	return p, err
}
