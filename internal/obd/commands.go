package obd

import (
	"fmt"
	"strconv"
	"strings"
)

// Group is the datasheet section an AT command belongs to.
type Group int

const (
	GroupGeneral Group = iota
	GroupOBD
	GroupCAN
	GroupVolts
	GroupJ1939
	GroupJ1850
	GroupISO
	GroupPPs
)

var groupNames = []string{"general", "obd", "can", "volts", "j1939", "j1850", "iso", "pps"}

func (g Group) String() string {
	if int(g) >= 0 && int(g) < len(groupNames) {
		return groupNames[g]
	}
	return "Group(" + strconv.Itoa(int(g)) + ")"
}

// ParseGroup accepts the lower-case group names printed by Group.String.
func ParseGroup(s string) (Group, error) {
	for i, name := range groupNames {
		if strings.EqualFold(s, name) {
			return Group(i), nil
		}
	}
	return 0, fmt.Errorf("unknown command group %q", s)
}

// Command is one ELM327 AT command. The syntax uses %s where parameter text goes.
type Command struct {
	name        string
	group       Group
	syntax      string
	params      []Param
	description string
}

func newCommand(name string, group Group, syntax, description string, params ...Param) *Command {
	return &Command{name: name, group: group, syntax: syntax, params: params, description: description}
}

// Mnemonic is the unique name the command is looked up by.
func (c *Command) Mnemonic() string    { return c.name }
func (c *Command) Group() Group        { return c.group }
func (c *Command) Params() []Param     { return c.params }
func (c *Command) Description() string { return c.description }

// Syntax renders the datasheet form, e.g. "AT PP xx SV yy".
func (c *Command) Syntax() string {
	notations := make([]any, len(c.params))
	for i, p := range c.params {
		notations[i] = " " + p.Notation() + " "
	}
	return strings.Join(strings.Fields("AT "+fmt.Sprintf(c.syntax, notations...)), " ")
}

func (c *Command) String() string { return c.Syntax() }

// ParseArgs converts textual arguments into encoder input: decimal parameters
// parse base 10, everything else base 16.
func (c *Command) ParseArgs(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for i, s := range args {
		base := 16
		if len(c.params) > 0 {
			idx := i
			if idx >= len(c.params) {
				idx = len(c.params) - 1
			}
			base = c.params[idx].base()
		}
		v, err := strconv.ParseInt(strings.TrimPrefix(strings.ToLower(s), "0x"), base, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %q", ErrParameterRange, s)
		}
		out = append(out, int(v))
	}
	return out, nil
}

// Commands used by Session initialisation and the CLI.
var (
	CmdReset            = newCommand("Z", GroupGeneral, "Z", "reset all")
	CmdWarmStart        = newCommand("WS", GroupGeneral, "WS", "warm start")
	CmdDefaults         = newCommand("D", GroupGeneral, "D", "set all to defaults")
	CmdEcho             = newCommand("E", GroupGeneral, "E%s", "echo off (0) or on (1)", ParamHexDigit{Max: 1})
	CmdLinefeeds        = newCommand("L", GroupGeneral, "L%s", "linefeeds off (0) or on (1)", ParamHexDigit{Max: 1})
	CmdVersion          = newCommand("I", GroupGeneral, "I", "print the version ID")
	CmdSpaces           = newCommand("S", GroupOBD, "S%s", "printing of spaces off (0) or on (1)", ParamHexDigit{Max: 1})
	CmdHeaders          = newCommand("H", GroupOBD, "H%s", "headers off (0) or on (1)", ParamHexDigit{Max: 1})
	CmdSetProtocol      = newCommand("SP", GroupOBD, "SP%s", "set protocol to h and save it", ParamHexDigit{Max: 0xC})
	CmdSetProtocolAuto  = newCommand("SPA", GroupOBD, "SPA%s", "set protocol to auto, h", ParamHexDigit{Max: 0xC})
	CmdDescribeProtocol = newCommand("DP", GroupOBD, "DP", "describe the current protocol")
	CmdProtocolNumber   = newCommand("DPN", GroupOBD, "DPN", "describe the protocol by number")
	CmdSetTimeout       = newCommand("ST", GroupOBD, "ST%s", "set timeout to hh x 4 msec", ParamHexByte{})
	CmdSetHeader        = newCommand("SH", GroupOBD, "SH%s", "set header to xyz", ParamHex{Digits: 3})
	CmdReadVoltage      = newCommand("RV", GroupVolts, "RV", "read the input voltage")
	CmdCalibrateVoltage = newCommand("CV", GroupVolts, "CV%s", "calibrate the voltage to dd.dd volts", ParamDecimal{Digits: 4, Max: 9999})
)

var commands = []*Command{
	// General
	CmdReset,
	CmdWarmStart,
	CmdDefaults,
	CmdEcho,
	CmdLinefeeds,
	CmdVersion,
	newCommand("@1", GroupGeneral, "@1", "display the device description"),
	newCommand("@2", GroupGeneral, "@2", "display the device identifier"),
	newCommand("BRD", GroupGeneral, "BRD%s", "try baud rate divisor hh", ParamHexByte{}),
	newCommand("BRT", GroupGeneral, "BRT%s", "set baud rate timeout", ParamHexByte{}),
	newCommand("FE", GroupGeneral, "FE", "forget events"),
	newCommand("LP", GroupGeneral, "LP", "go to low power mode"),
	newCommand("M", GroupGeneral, "M%s", "memory off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("RD", GroupGeneral, "RD", "read the stored data"),
	newCommand("SD", GroupGeneral, "SD%s", "save data byte hh", ParamHexByte{}),

	// OBD
	CmdSpaces,
	CmdHeaders,
	CmdSetProtocol,
	CmdSetProtocolAuto,
	CmdDescribeProtocol,
	CmdProtocolNumber,
	CmdSetTimeout,
	CmdSetHeader,
	newCommand("SH6", GroupOBD, "SH%s", "set header to xx yy zz", ParamHex{Digits: 6}),
	newCommand("SH8", GroupOBD, "SH%s", "set header to ww xx yy zz", ParamHex{Digits: 8}),
	newCommand("AL", GroupOBD, "AL", "allow long (>7 byte) messages"),
	newCommand("AMC", GroupOBD, "AMC", "display activity monitor count"),
	newCommand("AMT", GroupOBD, "AMT%s", "set the activity monitor timeout to hh", ParamHexByte{}),
	newCommand("AR", GroupOBD, "AR", "automatically receive"),
	newCommand("AT", GroupOBD, "AT%s", "adaptive timing off (0), auto1 (1) or auto2 (2)", ParamHexDigit{Max: 2}),
	newCommand("BD", GroupOBD, "BD", "perform a buffer dump"),
	newCommand("BI", GroupOBD, "BI", "bypass the initialization sequence"),
	newCommand("MA", GroupOBD, "MA", "monitor all"),
	newCommand("MR", GroupOBD, "MR%s", "monitor for receiver hh", ParamHexByte{}),
	newCommand("MT", GroupOBD, "MT%s", "monitor for transmitter hh", ParamHexByte{}),
	newCommand("NL", GroupOBD, "NL", "normal length messages"),
	newCommand("PC", GroupOBD, "PC", "protocol close"),
	newCommand("R", GroupOBD, "R%s", "responses off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("RA", GroupOBD, "RA%s", "set the receive address to hh", ParamHexByte{}),
	newCommand("SR", GroupOBD, "SR%s", "set the receive address to hh", ParamHexByte{}),
	newCommand("SS", GroupOBD, "SS", "use standard search order (J1978)"),
	newCommand("TA", GroupOBD, "TA%s", "set tester address to hh", ParamHexByte{}),
	newCommand("TP", GroupOBD, "TP%s", "try protocol h", ParamHexDigit{Max: 0xC}),
	newCommand("TPA", GroupOBD, "TPA%s", "try protocol h with auto", ParamHexDigit{Max: 0xC}),

	// CAN
	newCommand("CAF", GroupCAN, "CAF%s", "automatic formatting off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("CEAOFF", GroupCAN, "CEA", "turn off CAN extended addressing"),
	newCommand("CEA", GroupCAN, "CEA%s", "use CAN extended address hh", ParamHexByte{}),
	newCommand("CER", GroupCAN, "CER%s", "set CAN extended rx address to hh", ParamHexByte{}),
	newCommand("CF", GroupCAN, "CF%s", "set the 11-bit ID filter to hhh", ParamHex{Digits: 3}),
	newCommand("CF8", GroupCAN, "CF%s", "set the 29-bit ID filter to hhhhhhhh", ParamHex{Digits: 8}),
	newCommand("CFC", GroupCAN, "CFC%s", "flow controls off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("CM", GroupCAN, "CM%s", "set the 11-bit ID mask to hhh", ParamHex{Digits: 3}),
	newCommand("CM8", GroupCAN, "CM%s", "set the 29-bit ID mask to hhhhhhhh", ParamHex{Digits: 8}),
	newCommand("CP", GroupCAN, "CP%s", "set CAN priority to hh (29 bit)", ParamHexByte{}),
	newCommand("CRAOFF", GroupCAN, "CRA", "reset the receive address filters"),
	newCommand("CRA", GroupCAN, "CRA%s", "set CAN receive address to hhh", ParamHex{Digits: 3}),
	newCommand("CRA8", GroupCAN, "CRA%s", "set CAN receive address to hhhhhhhh", ParamHex{Digits: 8}),
	newCommand("CS", GroupCAN, "CS", "show the CAN status counts"),
	newCommand("CSM", GroupCAN, "CSM%s", "silent monitoring off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("CTM1", GroupCAN, "CTM1", "set timer multiplier to 1"),
	newCommand("CTM5", GroupCAN, "CTM5", "set timer multiplier to 5"),
	newCommand("DLC", GroupCAN, "D%s", "display of the DLC off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("FCSM", GroupCAN, "FCSM%s", "flow control set the mode to h", ParamHexDigit{Max: 2}),
	newCommand("FCSH", GroupCAN, "FCSH%s", "flow control set header to hhh", ParamHex{Digits: 3}),
	newCommand("FCSH8", GroupCAN, "FCSH%s", "flow control set header to hhhhhhhh", ParamHex{Digits: 8}),
	newCommand("FCSD", GroupCAN, "FCSD%s", "flow control set data to [1-5 bytes]", ParamBytes{Min: 1, Max: 5}),
	newCommand("PB", GroupCAN, "PB%s%s", "protocol B options and baud rate", ParamHexByte{}, ParamHexByte{}),
	newCommand("RTR", GroupCAN, "RTR", "send an RTR message"),
	newCommand("V", GroupCAN, "V%s", "use of variable DLC off (0) or on (1)", ParamHexDigit{Max: 1}),

	// Volts
	CmdReadVoltage,
	CmdCalibrateVoltage,
	newCommand("IGN", GroupVolts, "IGN", "read the IgnMon input level"),

	// J1939
	newCommand("DM1", GroupJ1939, "DM1", "monitor for DM1 messages"),
	newCommand("JE", GroupJ1939, "JE", "use J1939 ELM data format"),
	newCommand("JHF", GroupJ1939, "JHF%s", "header formatting off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("JS", GroupJ1939, "JS", "use J1939 SAE data format"),
	newCommand("JTM1", GroupJ1939, "JTM1", "set timer multiplier to 1"),
	newCommand("JTM5", GroupJ1939, "JTM5", "set timer multiplier to 5"),
	newCommand("MP", GroupJ1939, "MP%s", "monitor for PGN 0hhhh", ParamHex{Digits: 4}),
	newCommand("MPN", GroupJ1939, "MP%s%s", "monitor for PGN 0hhhh, get n messages", ParamHex{Digits: 4}, ParamHexDigit{Max: 0xF}),
	newCommand("MP6", GroupJ1939, "MP%s", "monitor for PGN hhhhhh", ParamHex{Digits: 6}),
	newCommand("MP6N", GroupJ1939, "MP%s%s", "monitor for PGN hhhhhh, get n messages", ParamHex{Digits: 6}, ParamHexDigit{Max: 0xF}),

	// J1850
	newCommand("IFR", GroupJ1850, "IFR%s", "IFRs off (0), auto (1) or on (2)", ParamHexDigit{Max: 2}),
	newCommand("IFRH", GroupJ1850, "IFRH", "IFR value from header"),
	newCommand("IFRS", GroupJ1850, "IFRS", "IFR value from source"),

	// ISO
	newCommand("FI", GroupISO, "FI", "perform a fast initiation"),
	newCommand("IB10", GroupISO, "IB10", "set the ISO baud rate to 10400"),
	newCommand("IB48", GroupISO, "IB48", "set the ISO baud rate to 4800"),
	newCommand("IB96", GroupISO, "IB96", "set the ISO baud rate to 9600"),
	newCommand("IIA", GroupISO, "IIA%s", "set ISO (slow) init address to hh", ParamHexByte{}),
	newCommand("KW", GroupISO, "KW%s", "key word checking off (0) or on (1)", ParamHexDigit{Max: 1}),
	newCommand("SI", GroupISO, "SI", "perform a slow initiation"),
	newCommand("SW", GroupISO, "SW%s", "set wakeup interval to hh x 20 msec", ParamHexByte{}),
	newCommand("WM", GroupISO, "WM%s", "set the wakeup message", ParamBytes{Min: 1, Max: 6}),

	// Programmable parameters
	newCommand("PPOFF", GroupPPs, "PP%sOFF", "disable prog parameter xx", ParamHexByte{}),
	newCommand("PPON", GroupPPs, "PP%sON", "enable prog parameter xx", ParamHexByte{}),
	newCommand("PPSV", GroupPPs, "PP%sSV%s", "set the value of prog parameter xx to yy", ParamHexByte{}, ParamHexByte{}),
	newCommand("PPS", GroupPPs, "PPS", "print a PP summary"),
}

var byName = func() map[string]*Command {
	m := make(map[string]*Command, len(commands))
	for _, c := range commands {
		if _, dup := m[c.name]; dup {
			panic("duplicate ELM327 command " + c.name)
		}
		m[c.name] = c
	}
	return m
}()

// Lookup finds a command by mnemonic, case-insensitively. A leading "AT" is ignored.
func Lookup(name string) (*Command, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if c, ok := byName[key]; ok {
		return c, true
	}
	if rest, found := strings.CutPrefix(key, "AT"); found {
		c, ok := byName[strings.TrimSpace(rest)]
		return c, ok
	}
	return nil, false
}

// Commands returns every known command in datasheet group order.
func Commands() []*Command {
	return append([]*Command(nil), commands...)
}

// CommandsIn returns the commands of one group.
func CommandsIn(g Group) []*Command {
	var out []*Command
	for _, c := range commands {
		if c.group == g {
			out = append(out, c)
		}
	}
	return out
}

// Encode renders cmd with args as the ASCII line sent to the adapter, without
// the line terminator. Out-of-range values are rejected, never truncated.
func Encode(cmd *Command, args ...int) (string, error) {
	if cmd == nil {
		return "", ErrUnknownCommand
	}
	rendered := make([]any, 0, len(cmd.params))
	rest := args
	for i, p := range cmd.params {
		text, used, err := p.encode(rest)
		if err != nil {
			return "", fmt.Errorf("AT%s parameter %d: %w", cmd.name, i+1, err)
		}
		rendered = append(rendered, text)
		rest = rest[used:]
	}
	if len(rest) > 0 {
		return "", fmt.Errorf("AT%s: %w: %d extra", cmd.name, ErrParameterCount, len(rest))
	}
	return "AT" + fmt.Sprintf(cmd.syntax, rendered...), nil
}

// EncodeName looks the command up by mnemonic and encodes it.
func EncodeName(name string, args ...int) (string, error) {
	cmd, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return Encode(cmd, args...)
}

// MaxRequestPIDs is the most PIDs one service 01 request may carry.
const MaxRequestPIDs = 6

// EncodeRequest renders an OBD-II diagnostic request, e.g. service 1 PID 0x0C
// as "010C". Services 03, 04, 07 and 0A take no PID.
func EncodeRequest(service int, pids ...int) (string, error) {
	if service < 0x01 || service > 0x0A {
		return "", fmt.Errorf("%w: service %d not in 01..0A", ErrParameterRange, service)
	}
	if len(pids) > MaxRequestPIDs {
		return "", fmt.Errorf("%w: %d PIDs, at most %d", ErrParameterCount, len(pids), MaxRequestPIDs)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%02X", service)
	for _, pid := range pids {
		if pid < 0 || pid > 0xFF {
			return "", fmt.Errorf("%w: PID %d not in 0..255", ErrParameterRange, pid)
		}
		fmt.Fprintf(&sb, "%02X", pid)
	}
	return sb.String(), nil
}
