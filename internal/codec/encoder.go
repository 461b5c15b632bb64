package codec

import (
	"errors"
	"fmt"
)

// Packet encoder flags carried in the second header byte.
const (
	EncoderRencode     = 0x00
	EncoderBencode     = 0x01
	EncoderYAML        = 0x04
	EncoderRencodeplus = 0x10

	EncoderFlagsMask = EncoderBencode | EncoderYAML | EncoderRencodeplus
)

var ErrUnknownEncoder = errors.New("unknown packet encoder")

// Encoder serializes a packet to bytes and back. Implementations must
// round-trip arbitrary byte strings in any position, except where a
// format cannot express them (bencode folds strings into bytes).
type Encoder struct {
	Name   string
	Flag   byte
	Encode func(p Packet) ([]byte, error)
	Decode func(data []byte) (Packet, error)
}

var encoders = map[string]*Encoder{
	"rencodeplus": {
		Name:   "rencodeplus",
		Flag:   EncoderRencodeplus,
		Encode: rencodeplusEncode,
		Decode: rencodeplusDecode,
	},
	// legacy peers: same base format without the distinct bytes tag,
	// so the rencodeplus decoder accepts it. Encoding is not offered.
	"rencode": {
		Name: "rencode",
		Flag: EncoderRencode,
		Encode: func(Packet) ([]byte, error) {
			return nil, errors.New("rencode encoding is not supported, use rencodeplus")
		},
		Decode: rencodeplusDecode,
	},
	"bencode": {
		Name:   "bencode",
		Flag:   EncoderBencode,
		Encode: bencodeEncode,
		Decode: bencodeDecode,
	},
	"yaml": {
		Name:   "yaml",
		Flag:   EncoderYAML,
		Encode: yamlEncode,
		Decode: yamlDecode,
	},
}

// encoder preference for hello negotiation.
var encoderOrder = []string{"rencodeplus", "rencode", "bencode", "yaml"}

// AllEncoders lists the encoders this build can emit.
func AllEncoders() []string {
	return []string{"rencodeplus", "bencode", "yaml"}
}

func GetEncoder(name string) *Encoder {
	return encoders[name]
}

// EncoderByFlag resolves the encoder selected by a wire header's
// protocol-flags byte.
func EncoderByFlag(flags byte) (*Encoder, error) {
	switch flags & EncoderFlagsMask {
	case EncoderRencodeplus:
		return encoders["rencodeplus"], nil
	case EncoderBencode:
		return encoders["bencode"], nil
	case EncoderYAML:
		return encoders["yaml"], nil
	case EncoderRencode:
		return encoders["rencode"], nil
	}
	return nil, fmt.Errorf("%w: flags=0x%02x", ErrUnknownEncoder, flags)
}

// ChooseEncoder picks the first mutually supported encoder in
// preference order. rencode is decode-only and never chosen for the
// outbound direction.
func ChooseEncoder(local, peer []string) (*Encoder, error) {
	peerSet := make(map[string]bool, len(peer))
	for _, n := range peer {
		peerSet[n] = true
	}
	localSet := make(map[string]bool, len(local))
	for _, n := range local {
		localSet[n] = true
	}
	for _, name := range encoderOrder {
		if name == "rencode" {
			continue
		}
		if localSet[name] && peerSet[name] {
			return encoders[name], nil
		}
	}
	return nil, errors.New("no common packet encoder")
}
