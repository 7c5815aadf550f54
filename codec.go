package rpcmux

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Codec serializes envelopes. An Encode error affects only the envelope being
// encoded. A Decode error means the peer cannot be understood and is fatal to
// the connection.
type Codec interface {
	// Encode appends the encoded form of env to dst.
	Encode(dst []byte, env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// Envelope field numbers.
const (
	envelopeIndex       protowire.Number = 1
	envelopeRequest     protowire.Number = 2
	envelopeResponse    protowire.Number = 3
	envelopeRemoteError protowire.Number = 4
	envelopeControl     protowire.Number = 5
)

// Request field numbers.
const (
	requestMethod    protowire.Number = 1
	requestHeader    protowire.Number = 2
	requestTimeout   protowire.Number = 3
	requestMandatory protowire.Number = 4
	requestBody      protowire.Number = 5
)

// Header entry field numbers.
const (
	headerKey   protowire.Number = 1
	headerValue protowire.Number = 2
)

var errNilPayload = errors.New("envelope has no payload")

// ProtoCodec returns the default codec, which writes envelopes in protobuf
// wire format. Request and response bodies are google.protobuf.Any messages
// and remote errors are google.rpc.Status messages.
func ProtoCodec() Codec {
	return protoCodec{}
}

type protoCodec struct{}

var marshalOpts = proto.MarshalOptions{Deterministic: true}

func (protoCodec) Encode(dst []byte, env Envelope) ([]byte, error) {
	if env.Index != 0 {
		dst = protowire.AppendTag(dst, envelopeIndex, protowire.VarintType)
		dst = protowire.AppendVarint(dst, env.Index)
	}
	switch p := env.Payload.(type) {
	case *Request:
		if p == nil {
			return nil, errNilPayload
		}
		var err error
		dst = protowire.AppendTag(dst, envelopeRequest, protowire.BytesType)
		dst, err = appendLengthPrefixed(dst, func(b []byte) ([]byte, error) {
			return encodeRequest(b, p)
		})
		if err != nil {
			return nil, err
		}
	case *Response:
		if p == nil {
			return nil, errNilPayload
		}
		var err error
		dst = protowire.AppendTag(dst, envelopeResponse, protowire.BytesType)
		dst, err = appendLengthPrefixed(dst, func(b []byte) ([]byte, error) {
			if p.Body == nil {
				return b, nil
			}
			return marshalOpts.MarshalAppend(b, p.Body)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode response body: %w", err)
		}
	case *RemoteError:
		if p == nil || p.st == nil {
			return nil, errNilPayload
		}
		var err error
		dst = protowire.AppendTag(dst, envelopeRemoteError, protowire.BytesType)
		dst, err = appendLengthPrefixed(dst, func(b []byte) ([]byte, error) {
			return marshalOpts.MarshalAppend(b, p.st.Proto())
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode remote error: %w", err)
		}
	case ControlMessage:
		dst = protowire.AppendTag(dst, envelopeControl, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(int64(p)))
	case nil:
		return nil, errNilPayload
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
	return dst, nil
}

// appendLengthPrefixed appends the output of fn to dst preceded by its
// length as a varint. The nested message is encoded in place, after a
// maximally sized length placeholder, and then shifted down if the length
// turns out to need fewer bytes.
func appendLengthPrefixed(dst []byte, fn func([]byte) ([]byte, error)) ([]byte, error) {
	start := len(dst)
	const maxLenSize = 10
	var placeholder [maxLenSize]byte
	dst = append(dst, placeholder[:]...)
	out, err := fn(dst)
	if err != nil {
		return nil, err
	}
	n := len(out) - start - maxLenSize
	var lenBuf [maxLenSize]byte
	l := protowire.AppendVarint(lenBuf[:0], uint64(n))
	copy(out[start:], l)
	copy(out[start+len(l):], out[start+maxLenSize:])
	return out[:start+len(l)+n], nil
}

func encodeRequest(b []byte, req *Request) ([]byte, error) {
	if !utf8.ValidString(req.Method) {
		return nil, fmt.Errorf("method name %q is not valid UTF-8", req.Method)
	}
	if req.Method != "" {
		b = protowire.AppendTag(b, requestMethod, protowire.BytesType)
		b = protowire.AppendString(b, req.Method)
	}
	for k, vals := range req.Header {
		entry := protowire.AppendTag(nil, headerKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		for _, v := range vals {
			entry = protowire.AppendTag(entry, headerValue, protowire.BytesType)
			entry = protowire.AppendString(entry, v)
		}
		b = protowire.AppendTag(b, requestHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if req.Timeout > 0 {
		millis := req.Timeout.Milliseconds()
		if millis == 0 {
			millis = 1
		}
		b = protowire.AppendTag(b, requestTimeout, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(millis))
	}
	if req.Mandatory {
		b = protowire.AppendTag(b, requestMandatory, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if req.Body != nil {
		body, err := marshalOpts.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		b = protowire.AppendTag(b, requestBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b, nil
}

func (protoCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Envelope{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == envelopeIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			env.Index = v
			data = data[n:]
		case num == envelopeControl && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			if env.Payload != nil {
				return Envelope{}, errors.New("envelope has more than one payload")
			}
			if int64(v) < math.MinInt32 || int64(v) > math.MaxInt32 {
				return Envelope{}, fmt.Errorf("control value %d out of range", int64(v))
			}
			env.Payload = ControlMessage(int32(int64(v)))
			data = data[n:]
		case (num == envelopeRequest || num == envelopeResponse || num == envelopeRemoteError) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			if env.Payload != nil {
				return Envelope{}, errors.New("envelope has more than one payload")
			}
			p, err := decodePayload(num, v)
			if err != nil {
				return Envelope{}, err
			}
			env.Payload = p
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if env.Payload == nil {
		return Envelope{}, errNilPayload
	}
	return env, nil
}

func decodePayload(num protowire.Number, data []byte) (Payload, error) {
	switch num {
	case envelopeRequest:
		return decodeRequest(data)
	case envelopeResponse:
		var body anypb.Any
		if err := proto.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("failed to decode response body: %w", err)
		}
		return &Response{Body: &body}, nil
	default:
		var st spb.Status
		if err := proto.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("failed to decode remote error: %w", err)
		}
		return NewRemoteError(status.FromProto(&st)), nil
	}
}

func decodeRequest(data []byte) (*Request, error) {
	req := &Request{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == requestMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if !utf8.ValidString(v) {
				return nil, errors.New("method name is not valid UTF-8")
			}
			req.Method = v
			data = data[n:]
		case num == requestHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if req.Header == nil {
				req.Header = metadata.MD{}
			}
			if err := decodeHeaderEntry(v, req.Header); err != nil {
				return nil, err
			}
			data = data[n:]
		case num == requestTimeout && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if v > uint64(math.MaxInt64/int64(time.Millisecond)) {
				v = uint64(math.MaxInt64 / int64(time.Millisecond))
			}
			req.Timeout = time.Duration(v) * time.Millisecond
			data = data[n:]
		case num == requestMandatory && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			req.Mandatory = protowire.DecodeBool(v)
			data = data[n:]
		case num == requestBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			var body anypb.Any
			if err := proto.Unmarshal(v, &body); err != nil {
				return nil, fmt.Errorf("failed to decode request body: %w", err)
			}
			req.Body = &body
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return req, nil
}

func decodeHeaderEntry(data []byte, md metadata.MD) error {
	var key string
	var vals []string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType || (num != headerKey && num != headerValue) {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if num == headerKey {
			key = v
		} else {
			vals = append(vals, v)
		}
	}
	if key == "" {
		return errors.New("header entry has no key")
	}
	md.Append(key, vals...)
	return nil
}
