// Package control implements the receiver's line-delimited JSON control
// protocol: a single-client TCP server that lets an operator request scans,
// read back scans/signals/log history, and adjust frequency/delay.
package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Version is the protocol version reported in the Connect handshake.
const Version = 1

// Command is one of the three verbs the protocol supports.
type Command string

const (
	CommandGet Command = "get"
	CommandSet Command = "set"
	CommandRun Command = "run"
)

// Method is one of the addressable resources.
type Method string

const (
	MethodScan      Method = "scan"
	MethodScans     Method = "scans"
	MethodSignals   Method = "signals"
	MethodLog       Method = "log"
	MethodSettings  Method = "settings"
	MethodDelay     Method = "delay"
	MethodFrequency Method = "frequency"
	MethodPort      Method = "port"
	MethodPorts     Method = "ports"

	// MethodStatus and MethodSatellites are never requested by a client
	// (they carry no permission entry); the orchestrator uses them only
	// as the method name on unsolicited Push frames.
	MethodStatus     Method = "status"
	MethodSatellites Method = "satellites"
)

func (m Method) capitalized() string {
	if m == "" {
		return ""
	}
	return strings.ToUpper(string(m[:1])) + string(m[1:])
}

type permission struct {
	canGet       bool
	canSet       bool
	canRun       bool
	valSetFloat  bool
	valSetString bool
}

// permissions is the static per-method capability table: each method
// allows exactly the verbs it was built for, and a "set" additionally
// states what value type it requires.
var permissions = map[Method]permission{
	MethodScan:      {canRun: true},
	MethodScans:     {canGet: true},
	MethodSignals:   {canGet: true},
	MethodLog:       {canGet: true},
	MethodSettings:  {canGet: true},
	MethodDelay:     {canSet: true, valSetFloat: true},
	MethodFrequency: {canSet: true, valSetFloat: true},
	MethodPort:      {canSet: true, valSetString: true},
	MethodPorts:     {canGet: true},
}

// ErrorType names the class of protocol error reported to the client in
// an error frame's "Type" field.
type ErrorType string

const (
	ErrorSyntax  ErrorType = "Syntax error"
	ErrorCommand ErrorType = "Command error"
	ErrorMethod  ErrorType = "Method error"
	ErrorValue   ErrorType = "Value error"
)

// ProtocolError is returned by Execute for any malformed or disallowed
// instruction; the server renders it as a Result:"Error" frame rather than
// closing the connection.
type ProtocolError struct {
	Type    ErrorType
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// instruction is the wire shape of a client request.
type instruction struct {
	Command Command         `json:"command"`
	Method  Method          `json:"method"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// response is the wire shape of a successful reply.
type response struct {
	Result string      `json:"Result"`
	Method string      `json:"Method"`
	Value  interface{} `json:"Value,omitempty"`
}

// connectResponse is the handshake frame sent immediately on accept.
type connectResponse struct {
	Method      string `json:"Method"`
	Result      string `json:"Result"`
	Application string `json:"Application"`
	Version     int    `json:"Version"`
	Session     string `json:"Session"`
}

// errorResponse is the wire shape of a failed reply.
type errorResponse struct {
	Result  string `json:"Result"`
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Backend is the set of operations the protocol layer needs from the rest
// of the receiver. The orchestrator implements this directly.
type Backend interface {
	Status() interface{}
	Satellites() interface{}
	Scans() (interface{}, error)
	Signals() (interface{}, error)
	Log() (interface{}, error)
	SettingsView() interface{}
	SetDelaySeconds(seconds float64)
	SetFrequencyHz(hz float64)
	SetPort(port string)
	Ports() (interface{}, error)
	RequestScan()
}

// Execute parses and runs a single protocol line (without its trailing
// newline), returning the JSON frame to send back. Protocol errors produce
// an error frame rather than closing the connection; only a "run scan"
// returns no frame at all (its outcome arrives later as a Signals push).
func Execute(line string, backend Backend) []byte {
	frame, err := execute(line, backend)
	if err != nil {
		return encodeError(err)
	}
	return frame
}

func execute(line string, backend Backend) ([]byte, error) {
	var instr instruction
	if err := json.Unmarshal([]byte(line), &instr); err != nil {
		return nil, &ProtocolError{ErrorSyntax, "expected a JSON string"}
	}

	if instr.Command == "" {
		return nil, &ProtocolError{ErrorCommand, "'command' not found"}
	}
	if instr.Command != CommandGet && instr.Command != CommandSet && instr.Command != CommandRun {
		return nil, &ProtocolError{ErrorCommand, fmt.Sprintf("unknown command: %s", instr.Command)}
	}

	perm, known := permissions[instr.Method]
	if !known {
		return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("unknown method: %s", instr.Method)}
	}

	switch instr.Command {
	case CommandGet:
		if !perm.canGet {
			return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("'%s' is not readable", instr.Method)}
		}
	case CommandSet:
		if !perm.canSet {
			return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("'%s' is not writable", instr.Method)}
		}
	case CommandRun:
		if !perm.canRun {
			return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("'%s' cannot be run", instr.Method)}
		}
	}

	if instr.Command == CommandSet && perm.valSetFloat {
		if len(instr.Value) == 0 {
			return nil, &ProtocolError{ErrorValue, fmt.Sprintf("'%s' expects a value", instr.Method)}
		}
		var f float64
		if err := json.Unmarshal(instr.Value, &f); err != nil {
			return nil, &ProtocolError{ErrorValue, "expected a float"}
		}
		return runSetFloat(instr.Method, f, backend)
	}

	if instr.Command == CommandSet && perm.valSetString {
		if len(instr.Value) == 0 {
			return nil, &ProtocolError{ErrorValue, fmt.Sprintf("'%s' expects a value", instr.Method)}
		}
		var str string
		if err := json.Unmarshal(instr.Value, &str); err != nil {
			return nil, &ProtocolError{ErrorValue, "expected a string"}
		}
		return runSetString(instr.Method, str, backend)
	}

	return runOther(instr.Command, instr.Method, backend)
}

func runSetFloat(method Method, value float64, backend Backend) ([]byte, error) {
	switch method {
	case MethodDelay:
		backend.SetDelaySeconds(value)
		return encodeResult(method, nil), nil
	case MethodFrequency:
		backend.SetFrequencyHz(value)
		return encodeResult(method, nil), nil
	}
	return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("'%s' cannot be set", method)}
}

func runSetString(method Method, value string, backend Backend) ([]byte, error) {
	switch method {
	case MethodPort:
		backend.SetPort(value)
		return encodeResult(method, nil), nil
	}
	return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("'%s' cannot be set", method)}
}

func runOther(command Command, method Method, backend Backend) ([]byte, error) {
	switch method {
	case MethodScan:
		backend.RequestScan()
		return nil, nil

	case MethodScans:
		scans, err := backend.Scans()
		if err != nil {
			return nil, &ProtocolError{ErrorValue, err.Error()}
		}
		return encodeResult(method, scans), nil

	case MethodSignals:
		signals, err := backend.Signals()
		if err != nil {
			return nil, &ProtocolError{ErrorValue, err.Error()}
		}
		return encodeResult(method, signals), nil

	case MethodLog:
		log, err := backend.Log()
		if err != nil {
			return nil, &ProtocolError{ErrorValue, err.Error()}
		}
		return encodeResult(method, log), nil

	case MethodSettings:
		return encodeResult(method, backend.SettingsView()), nil

	case MethodPorts:
		ports, err := backend.Ports()
		if err != nil {
			return nil, &ProtocolError{ErrorValue, err.Error()}
		}
		return encodeResult(method, ports), nil
	}
	return nil, &ProtocolError{ErrorMethod, fmt.Sprintf("unhandled method: %s", method)}
}

func encodeResult(method Method, value interface{}) []byte {
	resp := response{Result: "OK", Method: method.capitalized(), Value: value}
	data, err := json.Marshal(resp)
	if err != nil {
		return encodeError(&ProtocolError{ErrorValue, err.Error()})
	}
	return append(data, '\n')
}

func encodeError(err error) []byte {
	pe, ok := err.(*ProtocolError)
	if !ok {
		pe = &ProtocolError{ErrorValue, err.Error()}
	}
	data, _ := json.Marshal(errorResponse{Result: "Error", Type: string(pe.Type), Message: pe.Message})
	return append(data, '\n')
}

// EncodeConnect builds the handshake frame sent immediately after accept,
// tagging the connection with a fresh session id so an operator's client
// can tell two accepted connections apart in its own logs.
func EncodeConnect() []byte {
	data, _ := json.Marshal(connectResponse{
		Method:      "Connect",
		Result:      "OK",
		Application: "Harrier",
		Version:     Version,
		Session:     uuid.NewString(),
	})
	return append(data, '\n')
}

// EncodePush wraps an out-of-band push (Status/Satellites/Signals/Log/
// Shutdown) the orchestrator sends proactively, not in response to a
// request.
func EncodePush(method Method, value interface{}) []byte {
	return encodeResult(method, value)
}
