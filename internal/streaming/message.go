package streaming

import (
	"encoding/json"
	"errors"

	"txrelay/internal/application"
)

type MessageType string

const (
	// MessageTypeSubmit asks an executor to run one request.
	MessageTypeSubmit MessageType = "submit"
	// MessageTypeScan hands one block partition to a scan worker.
	MessageTypeScan MessageType = "scan"
)

type Message struct {
	Type        MessageType `json:"type"`
	ChainID     uint64      `json:"chain_id"`
	TraceID     string      `json:"trace_id,omitempty"`
	UUID        string      `json:"uuid,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	BlockTime   uint64      `json:"block_time,omitempty"`
	LockID      string      `json:"lock_id,omitempty"`
	Partition   int         `json:"partition,omitempty"`
	Partitions  int         `json:"partitions,omitempty"`
	Hashes      []string    `json:"hashes,omitempty"`
}

func SubmitMessage(chainID uint64, uuid string) Message {
	return Message{Type: MessageTypeSubmit, ChainID: chainID, UUID: uuid}
}

func ScanMessage(task application.ScanTask) Message {
	return Message{
		Type:        MessageTypeScan,
		ChainID:     task.ChainID,
		BlockNumber: task.BlockNumber,
		BlockTime:   task.BlockTime,
		LockID:      task.LockID,
		Partition:   task.Partition,
		Partitions:  task.Partitions,
		Hashes:      task.Hashes,
	}
}

func (m Message) ScanTask() application.ScanTask {
	return application.ScanTask{
		ChainID:     m.ChainID,
		BlockNumber: m.BlockNumber,
		BlockTime:   m.BlockTime,
		LockID:      m.LockID,
		Partition:   m.Partition,
		Partitions:  m.Partitions,
		Hashes:      m.Hashes,
	}
}

func (m Message) validate() error {
	if m.Type == "" {
		return errors.New("message type is missing")
	}
	if m.ChainID == 0 {
		return errors.New("chain_id is missing")
	}
	switch m.Type {
	case MessageTypeSubmit:
		if m.UUID == "" {
			return errors.New("submit message without uuid")
		}
	case MessageTypeScan:
		if m.LockID == "" {
			return errors.New("scan message without lock_id")
		}
	default:
		return errors.New("unknown message type " + string(m.Type))
	}
	return nil
}

func Encode(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
