package model

// SavedItems announces items persisted by a fetch task, or items republished
// by the scrubber. It is the payload of enrichment and vectorize deliveries.
type SavedItems struct {
	RunID   int64   `json:"run_id,omitempty"`
	Source  Source  `json:"source,omitempty"`
	Date    string  `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ItemIDs []int64 `json:"item_ids" validate:"required,min=1,dive,gt=0"`
}

// TaskPayload is the body of an external fetch task.
type TaskPayload struct {
	RunID  int64  `json:"run_id" validate:"required,gt=0"`
	Source Source `json:"source" validate:"required,oneof=hn reddit arxiv rss"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

// Key converts the payload to a TaskKey.
func (p TaskPayload) Key() (TaskKey, error) {
	d, err := ParseDate(p.Date)
	if err != nil {
		return TaskKey{}, err
	}
	return TaskKey{RunID: p.RunID, Source: p.Source, Date: d}, nil
}

// Payload converts the key to its wire form.
func (k TaskKey) Payload() TaskPayload {
	return TaskPayload{RunID: k.RunID, Source: k.Source, Date: k.Date.Format(DateLayout)}
}
