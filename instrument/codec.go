package instrument

import (
	"bytes"

	"github.com/lightningnetwork/lnd/tlv"
)

// encodeStream encodes the given records into a byte slice.
func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream decodes a byte slice into the given records.
func decodeStream(data []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(data))
}
