package collection

import (
	"encoding/json"
	"fmt"
	"time"
)

// encodeDocument serializes the session body for the SQL stores. The
// generation trigger lives in dedicated columns and is left out.
func encodeDocument(s *Session) ([]byte, error) {
	body := s.Clone()
	body.Generation = nil
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return raw, nil
}

func decodeDocument(raw []byte, gen *GenerationTrigger) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Generation = gen
	return &s, nil
}

func generationFromColumns(status, jobID, errMsg string, requestedAt, updatedAt *time.Time) *GenerationTrigger {
	if status == "" || (GenerationStatus(status) == GenerationNotStarted && jobID == "") {
		return nil
	}
	g := &GenerationTrigger{
		Status: GenerationStatus(status),
		JobID:  jobID,
		Error:  errMsg,
	}
	if requestedAt != nil {
		g.RequestedAt = requestedAt.UTC()
	}
	if updatedAt != nil {
		g.UpdatedAt = updatedAt.UTC()
	}
	return g
}
