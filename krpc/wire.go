package krpc

import (
	"bytes"
	"net"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"mldht/nodeid"
)

// Errors signalled by the codec, per spec.md §4.2.
var (
	ErrMalformedMessage    = errors.New("krpc: malformed message")
	ErrUnknownQueryType    = errors.New("krpc: unknown query type")
	ErrMissingRequiredField = errors.New("krpc: missing required field")
)

// wireArgs is the union of every field any of the four queries' "a"
// dictionary can carry. Unused fields are simply absent on the wire, mirroring
// remoteNode.AnswerType in the teacher repo.
type wireArgs struct {
	ID          string "id"
	Target      string "target"
	InfoHash    string "info_hash"
	Port        int    "port"
	ImpliedPort int    "implied_port"
	Token       string "token"
}

// wireReturn is the union of every field any of the three response shapes'
// "r" dictionary can carry, mirroring remoteNode.GetPeersResponse.
type wireReturn struct {
	ID     string   "id"
	Nodes  string   "nodes"
	Values []string "values"
	Token  string   "token"
}

// wireEnvelope is the generic top-level KRPC dictionary.
type wireEnvelope struct {
	T  string     "t"
	Y  string     "y"
	Q  string     "q"
	A  wireArgs   "a"
	R  wireReturn "r"
	E  []any      "e"
	V  string     "v"
	IP string     "ip"
	RO int        "ro"
}

// Encode serialises msg to its bencoded wire form. The codec preserves the
// transaction identifier verbatim.
func Encode(msg Message) ([]byte, error) {
	top := map[string]any{
		"t": msg.TransactionID,
	}
	if len(msg.Version) > 0 {
		top["v"] = string(msg.Version)
	}
	if msg.IP != nil {
		compact, err := EncodeCompactPeer(*msg.IP)
		if err != nil {
			return nil, errors.Wrap(err, "krpc: encode ip hint")
		}
		top["ip"] = string(compact)
	}
	if msg.ReadOnly {
		top["ro"] = 1
	}

	switch msg.Type {
	case TypeQuery:
		if msg.Query == nil {
			return nil, errors.Wrap(ErrMissingRequiredField, "query")
		}
		top["y"] = "q"
		top["q"] = msg.Query.Method.String()
		top["a"] = encodeArgs(msg.Query)
	case TypeResponse:
		if msg.Response == nil {
			return nil, errors.Wrap(ErrMissingRequiredField, "response")
		}
		r, err := encodeReturn(msg.Response)
		if err != nil {
			return nil, err
		}
		top["y"] = "r"
		top["r"] = r
	case TypeError:
		top["y"] = "e"
		top["e"] = []any{msg.ErrCode, msg.ErrText}
	default:
		return nil, errors.Wrap(ErrMalformedMessage, "unknown message type")
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, top); err != nil {
		return nil, errors.Wrap(err, "krpc: bencode marshal")
	}
	return buf.Bytes(), nil
}

func encodeArgs(q *Query) map[string]any {
	a := map[string]any{"id": string(q.ID[:])}
	switch q.Method {
	case MethodFindNode:
		a["target"] = string(q.Target[:])
	case MethodGetPeers:
		a["info_hash"] = string(q.InfoHash[:])
	case MethodAnnouncePeer:
		a["info_hash"] = string(q.InfoHash[:])
		a["token"] = string(q.Token)
		if q.ImpliedPort {
			a["implied_port"] = 1
		} else {
			a["implied_port"] = 0
			a["port"] = q.Port
		}
	}
	return a
}

func encodeReturn(r *Response) (map[string]any, error) {
	m := map[string]any{"id": string(r.ID[:])}
	if len(r.Token) > 0 {
		m["token"] = string(r.Token)
	}
	switch r.Shape {
	case ResponseNextHop:
		nodes, err := EncodeCompactNodes(r.Nodes)
		if err != nil {
			return nil, errors.Wrap(err, "krpc: encode nodes")
		}
		m["nodes"] = string(nodes)
	case ResponseGetPeers:
		values := make([]string, 0, len(r.Peers))
		for _, p := range r.Peers {
			enc, err := EncodeCompactPeer(p)
			if err != nil {
				return nil, errors.Wrap(err, "krpc: encode peer")
			}
			values = append(values, string(enc))
		}
		m["values"] = values
	}
	return m, nil
}

// Decode parses a single bencoded KRPC datagram. Unknown top-level fields are
// tolerated for forward compatibility; only the fields this codec understands
// are consulted.
func Decode(b []byte) (Message, error) {
	var env wireEnvelope
	if err := bencode.Unmarshal(bytes.NewReader(b), &env); err != nil {
		return Message{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if env.T == "" {
		return Message{}, errors.Wrap(ErrMissingRequiredField, "t")
	}

	msg := Message{TransactionID: env.T, ReadOnly: env.RO != 0}
	if env.V != "" {
		msg.Version = []byte(env.V)
	}
	if env.IP != "" {
		addr, err := DecodeCompactPeer([]byte(env.IP))
		if err == nil {
			msg.IP = &addr
		}
	}

	switch env.Y {
	case "q":
		msg.Type = TypeQuery
		q, err := decodeQuery(env.Q, env.A)
		if err != nil {
			return Message{}, err
		}
		msg.Query = q
	case "r":
		msg.Type = TypeResponse
		msg.Response = decodeReturn(env.R)
	case "e":
		msg.Type = TypeError
		if len(env.E) != 2 {
			return Message{}, errors.Wrap(ErrMalformedMessage, "error list must have 2 elements")
		}
		if code, ok := env.E[0].(int64); ok {
			msg.ErrCode = int(code)
		}
		if text, ok := env.E[1].(string); ok {
			msg.ErrText = text
		}
	default:
		return Message{}, errors.Wrap(ErrMalformedMessage, "unknown message type field \"y\"")
	}
	return msg, nil
}

func decodeQuery(method string, a wireArgs) (*Query, error) {
	if a.ID == "" {
		return nil, errors.Wrap(ErrMissingRequiredField, "id")
	}
	id, err := nodeid.FromBytes([]byte(a.ID))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	switch method {
	case "ping":
		return &Query{Method: MethodPing, ID: id}, nil
	case "find_node":
		if a.Target == "" {
			return nil, errors.Wrap(ErrMissingRequiredField, "target")
		}
		target, err := nodeid.FromBytes([]byte(a.Target))
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &Query{Method: MethodFindNode, ID: id, Target: target}, nil
	case "get_peers":
		if a.InfoHash == "" {
			return nil, errors.Wrap(ErrMissingRequiredField, "info_hash")
		}
		ih, err := nodeid.FromBytes([]byte(a.InfoHash))
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &Query{Method: MethodGetPeers, ID: id, InfoHash: ih}, nil
	case "announce_peer":
		if a.InfoHash == "" {
			return nil, errors.Wrap(ErrMissingRequiredField, "info_hash")
		}
		ih, err := nodeid.FromBytes([]byte(a.InfoHash))
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		return &Query{
			Method:      MethodAnnouncePeer,
			ID:          id,
			InfoHash:    ih,
			ImpliedPort: a.ImpliedPort != 0,
			Port:        a.Port,
			HasPort:     a.Port != 0,
			Token:       []byte(a.Token),
		}, nil
	case "":
		return nil, errors.Wrap(ErrMissingRequiredField, "q")
	default:
		return nil, errors.Wrapf(ErrUnknownQueryType, "%q", method)
	}
}

func decodeReturn(r wireReturn) *Response {
	resp := &Response{ID: idFromLoose(r.ID)}
	if r.Token != "" {
		resp.Token = []byte(r.Token)
	}
	switch {
	case len(r.Values) > 0:
		resp.Shape = ResponseGetPeers
		peers := make([]net.UDPAddr, 0, len(r.Values))
		for _, v := range r.Values {
			if addr, err := DecodeCompactPeer([]byte(v)); err == nil {
				peers = append(peers, addr)
			}
		}
		resp.Peers = peers
	case r.Nodes != "":
		resp.Shape = ResponseNextHop
		nodes, err := DecodeCompactNodes([]byte(r.Nodes))
		if err == nil {
			resp.Nodes = nodes
		}
	default:
		resp.Shape = ResponseOnlyID
	}
	return resp
}

// idFromLoose tolerates a short or missing "id" on responses rather than
// failing the whole decode: an id-less ack is still useful to the transaction
// map, which only keys on the transaction id.
func idFromLoose(s string) nodeid.ID {
	id, err := nodeid.FromBytes([]byte(s))
	if err != nil {
		return nodeid.ID{}
	}
	return id
}
