package versioning

// Recorder counts versioning events
type Recorder interface {
	SnapshotRecorded(collection string, action Action)
	VersionConflict(collection string)
	UpdateSanitized(collection string, stripped int)
}

type nopRecorder struct{}

func (nopRecorder) SnapshotRecorded(string, Action) {}
func (nopRecorder) VersionConflict(string)          {}
func (nopRecorder) UpdateSanitized(string, int)     {}
