package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Encode serializes any Message variant into its tagged binary payload:
// a one-byte kind tag followed by the variant's fields, little-endian.
func Encode(msg types.Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(msg.Kind()))

	switch m := msg.(type) {
	case types.Hello:
		writeString(buf, string(m.SiteID))
		writeString(buf, m.ListenAddr)
		writePeers(buf, m.Neighbors)
		writeVector(buf, m.VectorClock)
	case types.NeighborAnnounce:
		writeString(buf, string(m.SiteID))
		writePeers(buf, m.Neighbors)
	case types.LockRequest:
		writeUint64(buf, m.Lamport)
		writeString(buf, string(m.RequesterSite))
	case types.LockAck:
		writeUint64(buf, m.Lamport)
		writeString(buf, string(m.ResponderSite))
		writeUint64(buf, m.InReplyToLamport)
	case types.LockRelease:
		writeUint64(buf, m.Lamport)
		writeString(buf, string(m.RequesterSite))
	case types.Apply:
		writeString(buf, m.CommandID)
		writeString(buf, string(m.Originator))
		writeUint64(buf, m.Lamport)
		writeVector(buf, m.VectorClock)
		writeCommand(buf, m.Command)
	case types.ApplyAck:
		writeString(buf, m.CommandID)
		writeString(buf, string(m.ResponderSite))
	case types.SnapshotMarker:
		writeString(buf, m.SnapshotID)
		writeString(buf, string(m.InitiatorSite))
		writeString(buf, string(m.FromSite))
	case types.SnapshotFragment:
		writeString(buf, m.SnapshotID)
		writeString(buf, string(m.SiteID))
		writeBytes(buf, m.Payload)
	case types.Bye:
		writeString(buf, string(m.SiteID))
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnknownMessageKind, msg)
	}
	return buf.Bytes(), nil
}

// Decode parses a tagged binary payload back into its Message variant.
// An unrecognized tag is a protocol violation: the caller must drop the
// connection rather than skip the frame (spec section 4.1).
func Decode(payload []byte) (types.Message, error) {
	if len(payload) == 0 {
		return nil, types.ErrFrameMalformed
	}
	r := bytes.NewReader(payload)
	kindByte, _ := r.ReadByte()
	kind := types.MessageKind(kindByte)

	switch kind {
	case types.KindHello:
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		addr, err := readString(r)
		if err != nil {
			return nil, err
		}
		neighbors, err := readPeers(r)
		if err != nil {
			return nil, err
		}
		vc, err := readVector(r)
		if err != nil {
			return nil, err
		}
		return types.Hello{SiteID: types.SiteID(site), ListenAddr: addr, Neighbors: neighbors, VectorClock: vc}, nil

	case types.KindNeighborAnnounce:
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		neighbors, err := readPeers(r)
		if err != nil {
			return nil, err
		}
		return types.NeighborAnnounce{SiteID: types.SiteID(site), Neighbors: neighbors}, nil

	case types.KindLockRequest:
		lamport, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.LockRequest{Lamport: lamport, RequesterSite: types.SiteID(site)}, nil

	case types.KindLockAck:
		lamport, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		inReply, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return types.LockAck{Lamport: lamport, ResponderSite: types.SiteID(site), InReplyToLamport: inReply}, nil

	case types.KindLockRelease:
		lamport, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.LockRelease{Lamport: lamport, RequesterSite: types.SiteID(site)}, nil

	case types.KindApply:
		cmdID, err := readString(r)
		if err != nil {
			return nil, err
		}
		originator, err := readString(r)
		if err != nil {
			return nil, err
		}
		lamport, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		vc, err := readVector(r)
		if err != nil {
			return nil, err
		}
		cmd, err := readCommand(r)
		if err != nil {
			return nil, err
		}
		return types.Apply{CommandID: cmdID, Originator: types.SiteID(originator), Lamport: lamport, VectorClock: vc, Command: cmd}, nil

	case types.KindApplyAck:
		cmdID, err := readString(r)
		if err != nil {
			return nil, err
		}
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.ApplyAck{CommandID: cmdID, ResponderSite: types.SiteID(site)}, nil

	case types.KindSnapshotMarker:
		snapID, err := readString(r)
		if err != nil {
			return nil, err
		}
		initiator, err := readString(r)
		if err != nil {
			return nil, err
		}
		from, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.SnapshotMarker{SnapshotID: snapID, InitiatorSite: types.SiteID(initiator), FromSite: types.SiteID(from)}, nil

	case types.KindSnapshotFragment:
		snapID, err := readString(r)
		if err != nil {
			return nil, err
		}
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		payload, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return types.SnapshotFragment{SnapshotID: snapID, SiteID: types.SiteID(site), Payload: payload}, nil

	case types.KindBye:
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.Bye{SiteID: types.SiteID(site)}, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", types.ErrUnknownMessageKind, kindByte)
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, types.ErrFrameMalformed
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			if total == len(b) {
				return total, nil
			}
			return total, types.ErrFrameMalformed
		}
		if n == 0 {
			return total, types.ErrFrameMalformed
		}
	}
	return total, nil
}

func writePeers(buf *bytes.Buffer, peers []types.Peer) {
	writeUint64(buf, uint64(len(peers)))
	for _, p := range peers {
		writeString(buf, string(p.SiteID))
		writeString(buf, p.ListenAddr)
	}
}

func readPeers(r *bytes.Reader) ([]types.Peer, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	peers := make([]types.Peer, 0, n)
	for i := uint64(0); i < n; i++ {
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		addr, err := readString(r)
		if err != nil {
			return nil, err
		}
		peers = append(peers, types.Peer{SiteID: types.SiteID(site), ListenAddr: addr})
	}
	return peers, nil
}

func writeVector(buf *bytes.Buffer, vc map[types.SiteID]uint64) {
	writeUint64(buf, uint64(len(vc)))
	for site, value := range vc {
		writeString(buf, string(site))
		writeUint64(buf, value)
	}
}

func readVector(r *bytes.Reader) (map[types.SiteID]uint64, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	vc := make(map[types.SiteID]uint64, n)
	for i := uint64(0); i < n; i++ {
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		vc[types.SiteID(site)] = value
	}
	return vc, nil
}

func writeCommand(buf *bytes.Buffer, c types.Command) {
	writeString(buf, c.CommandID)
	writeString(buf, string(c.Originator))
	buf.WriteByte(byte(c.Kind))
	writeString(buf, c.UserID)
	writeString(buf, c.FromUser)
	writeString(buf, c.ToUser)
	writeInt64(buf, c.Amount)
	writeString(buf, c.TxID)
}

func readCommand(r *bytes.Reader) (types.Command, error) {
	var c types.Command
	var err error
	if c.CommandID, err = readString(r); err != nil {
		return c, err
	}
	originator, err := readString(r)
	if err != nil {
		return c, err
	}
	c.Originator = types.SiteID(originator)
	kindByte, err := r.ReadByte()
	if err != nil {
		return c, types.ErrFrameMalformed
	}
	c.Kind = types.CommandKind(kindByte)
	if c.UserID, err = readString(r); err != nil {
		return c, err
	}
	if c.FromUser, err = readString(r); err != nil {
		return c, err
	}
	if c.ToUser, err = readString(r); err != nil {
		return c, err
	}
	if c.Amount, err = readInt64(r); err != nil {
		return c, err
	}
	if c.TxID, err = readString(r); err != nil {
		return c, err
	}
	return c, nil
}
