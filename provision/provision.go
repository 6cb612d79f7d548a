// Package provision writes the master record and the fixed set of
// key/value records that make up a pdbstore read-only area. It is meant
// to run once, at image build or factory-flash time, over the same
// media.Bank a Store will later mount read-only.
package provision

import (
	"fmt"

	"github.com/arm-mbed/pdbstore/media"
	"github.com/arm-mbed/pdbstore/record"
	"github.com/arm-mbed/pdbstore/wire"
)

// masterKey is the fixed key of the record that precedes every
// provisioned key/value pair and carries their count.
const masterKey = "PDBS"

// Record is one key/value pair to provision into a read-only area.
type Record struct {
	Key  string
	Data []byte
}

// ReadOnly writes the master record followed by records into bank,
// starting at offset 0. bank must be freshly erased; it is the same
// bank a Store will later mount as its read-only area.
func ReadOnly(bank *media.Bank, records []Record) error {
	if len(records) > 0xFFFF {
		return fmt.Errorf("provision: %d records exceeds the uint16 count field", len(records))
	}

	area := &media.Area{Bank: bank, Address: 0, Size: bank.Size - bank.StartOffset}

	countBuf := make([]byte, 2)
	wire.PutUint16(countBuf, uint16(len(records)))

	offset, err := record.Encode(area, []byte(masterKey), countBuf, 0, 0, false)
	if err != nil {
		return fmt.Errorf("provision: master record: %w", err)
	}

	for i, r := range records {
		if offset, err = record.Encode(area, []byte(r.Key), r.Data, 0, offset, false); err != nil {
			return fmt.Errorf("provision: record %d (%q): %w", i, r.Key, err)
		}
	}
	return nil
}
