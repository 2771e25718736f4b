package journal

// ============================================================================
// Checksum Calculation
// Responsibility: CRC32 over a journal event's canonical JSON encoding
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of event encoded with Checksum
// set to zero. Every field takes part, so any edit to a line is detected.
func CalculateChecksum(event Event) (uint32, error) {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// VerifyChecksum recomputes the checksum and compares it with the stored one.
func VerifyChecksum(event Event) error {
	expected, err := CalculateChecksum(event)
	if err != nil {
		return err
	}
	if expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
