package command

import (
	"encoding/binary"
	"io"

	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/session"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/varbin"
)

// Subscription methods turn the connection into a stream of frames.
const (
	MethodSubscribeStatus = "subscribeStatus"
	MethodSubscribeLog    = "subscribeLog"
)

func writeRequest(writer io.Writer, method string, args map[string]any) error {
	err := varbin.Write(writer, binary.BigEndian, method)
	if err != nil {
		return err
	}
	var argsContent string
	if len(args) > 0 {
		content, err := json.Marshal(args)
		if err != nil {
			return E.Cause(err, "encode arguments")
		}
		argsContent = string(content)
	}
	return varbin.Write(writer, binary.BigEndian, argsContent)
}

func readRequest(reader io.Reader) (method string, args map[string]any, err error) {
	method, err = varbin.ReadValue[string](reader, binary.BigEndian)
	if err != nil {
		return
	}
	argsContent, err := varbin.ReadValue[string](reader, binary.BigEndian)
	if err != nil {
		return
	}
	if argsContent != "" {
		err = json.Unmarshal([]byte(argsContent), &args)
		if err != nil {
			err = E.Cause(err, "decode arguments")
		}
	}
	return
}

func writeResult(writer io.Writer, result Result) error {
	err := binary.Write(writer, binary.BigEndian, uint8(result.Kind))
	if err != nil {
		return err
	}
	switch result.Kind {
	case ResultSuccess:
		return binary.Write(writer, binary.BigEndian, result.Value)
	case ResultError:
		err = varbin.Write(writer, binary.BigEndian, result.Code)
		if err != nil {
			return err
		}
		return varbin.Write(writer, binary.BigEndian, result.Message)
	}
	return nil
}

func readResult(reader io.Reader) (result Result, err error) {
	var kind uint8
	err = binary.Read(reader, binary.BigEndian, &kind)
	if err != nil {
		return
	}
	result.Kind = ResultKind(kind)
	switch result.Kind {
	case ResultSuccess:
		err = binary.Read(reader, binary.BigEndian, &result.Value)
	case ResultError:
		result.Code, err = varbin.ReadValue[string](reader, binary.BigEndian)
		if err != nil {
			return
		}
		result.Message, err = varbin.ReadValue[string](reader, binary.BigEndian)
	case ResultNotImplemented:
	default:
		err = E.New("unknown result kind: ", kind)
	}
	return
}

func writeStatus(writer io.Writer, status session.ServiceStatus) error {
	err := binary.Write(writer, binary.BigEndian, uint8(status.State))
	if err != nil {
		return err
	}
	return varbin.Write(writer, binary.BigEndian, status.ErrorMessage)
}

func readStatus(reader io.Reader) (status session.ServiceStatus, err error) {
	var state uint8
	err = binary.Read(reader, binary.BigEndian, &state)
	if err != nil {
		return
	}
	status.State = session.State(state)
	status.ErrorMessage, err = varbin.ReadValue[string](reader, binary.BigEndian)
	return
}

func writeLogEntry(writer io.Writer, entry log.Entry) error {
	err := binary.Write(writer, binary.BigEndian, entry.Level)
	if err != nil {
		return err
	}
	return varbin.Write(writer, binary.BigEndian, entry.Message)
}

func readLogEntry(reader io.Reader) (entry log.Entry, err error) {
	err = binary.Read(reader, binary.BigEndian, &entry.Level)
	if err != nil {
		return
	}
	entry.Message, err = varbin.ReadValue[string](reader, binary.BigEndian)
	return
}
