package mapping

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// The mapping file is semicolon-separated with a mandatory header line:
//
//	address;port;protocol;duration;comment
//	192.168.0.10;12345;UDP;60;Test 1
//	;12346;TCP;60;Test 2
var fileHeader = [...]string{"address", "port", "protocol", "duration", "comment"}

// LoadFile reads and parses the mapping file at path.
func LoadFile(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}
	defer f.Close()
	specs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("mapping: %s: %w", path, err)
	}
	return specs, nil
}

// Parse reads the semicolon-separated mapping list from r. The header
// line is required; records are returned in file order.
func Parse(r io.Reader) ([]Spec, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = len(fileHeader)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header line")
	}
	if err != nil {
		return nil, err
	}
	for i, want := range fileHeader {
		if header[i] != want {
			return nil, fmt.Errorf("bad header field %d: got %q, want %q", i+1, header[i], want)
		}
	}

	var specs []Spec
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			return specs, nil
		}
		if err != nil {
			return nil, err
		}
		spec, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		specs = append(specs, spec)
	}
}

func parseRecord(record []string) (Spec, error) {
	port, err := strconv.ParseUint(record[1], 10, 16)
	if err != nil || port == 0 {
		return Spec{}, fmt.Errorf("port %q: must be 1-65535", record[1])
	}
	proto, err := ParseProtocol(record[2])
	if err != nil {
		return Spec{}, err
	}
	duration, err := strconv.ParseUint(record[3], 10, 32)
	if err != nil {
		return Spec{}, fmt.Errorf("duration %q: must be a non-negative integer", record[3])
	}

	spec := Spec{
		Address:  record[0],
		Port:     uint16(port),
		Protocol: proto,
		Duration: uint32(duration),
		Comment:  record[4],
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
