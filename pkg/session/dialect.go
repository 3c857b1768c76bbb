package session

import (
	"regexp"
	"sort"
	"strings"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// Dialect describes how to drive one vendor's CLI. Patterns are matched
// against the last line of output with trailing whitespace removed. An empty
// pattern or command means the device has no such mode or action.
type Dialect struct {
	Name string

	PromptPattern           *regexp.Regexp
	PrivilegedPromptPattern *regexp.Regexp
	ConfigPromptPattern     *regexp.Regexp
	// ConfirmPattern matches interactive [Y/N] style questions, answered
	// with ConfirmAnswer.
	ConfirmPattern *regexp.Regexp
	// ErrorPattern matches CLI rejections inside command output.
	ErrorPattern *regexp.Regexp

	EnableCommand        string
	DisableCommand       string
	EnterConfigCommand   string
	ExitConfigCommand    string
	SaveCommand          string
	PagingDisableCommand string
	ShowConfigCommand    string
	ConfirmAnswer        string

	// SaveFromConfig is set for commit based platforms where the save
	// command only exists inside the configuration mode.
	SaveFromConfig bool
}

// HasConfigMode reports whether configuration commands can be sent.
func (d Dialect) HasConfigMode() bool { return d.EnterConfigCommand != "" }

// NeedsEnable reports whether privileged mode is separate from login mode.
func (d Dialect) NeedsEnable() bool { return d.EnableCommand != "" }

// modeOf classifies a prompt line, most specific mode first.
func (d Dialect) modeOf(line string) (State, bool) {
	switch {
	case d.ConfigPromptPattern != nil && d.ConfigPromptPattern.MatchString(line):
		return StateInConfigMode, true
	case d.PrivilegedPromptPattern != nil && d.PrivilegedPromptPattern.MatchString(line):
		return StateInPrivilegedMode, true
	case d.PromptPattern != nil && d.PromptPattern.MatchString(line):
		return StateInCommandMode, true
	}
	return "", false
}

const hostChars = `[\w.\-@/:~]+`

var (
	ciscoErrors  = regexp.MustCompile(`(?m)^\s*% ?(Invalid input|Incomplete command|Ambiguous command|Unknown command|Bad mask|Error)`)
	huaweiErrors = regexp.MustCompile(`(?m)^\s*Error:|Unrecognized command|Incomplete command|Wrong parameter`)
	junosErrors  = regexp.MustCompile(`(?m)^\s*(syntax error|unknown command|error:)`)
	linuxErrors  = regexp.MustCompile(`(?m)(command not found|No such file or directory|Permission denied)$`)
	yesNo        = regexp.MustCompile(`\[[Yy]/[Nn]\]:?$|\(y/n\)\??$|\[confirm\]$`)
)

func ciscoLike(name, save string) Dialect {
	return Dialect{
		Name:                    name,
		PromptPattern:           regexp.MustCompile(`^` + hostChars + `>$`),
		PrivilegedPromptPattern: regexp.MustCompile(`^` + hostChars + `#$`),
		ConfigPromptPattern:     regexp.MustCompile(`^` + hostChars + `\(config[\w.\-/:]*\)#$`),
		ConfirmPattern:          yesNo,
		ErrorPattern:            ciscoErrors,
		EnableCommand:           "enable",
		DisableCommand:          "disable",
		EnterConfigCommand:      "configure terminal",
		ExitConfigCommand:       "end",
		SaveCommand:             save,
		PagingDisableCommand:    "terminal length 0",
		ShowConfigCommand:       "show running-config",
		ConfirmAnswer:           "y",
	}
}

var dialects = func() map[string]Dialect {
	ios := ciscoLike("cisco_ios", "write memory")

	xe := ciscoLike("cisco_xe", "write memory")

	xr := ciscoLike("cisco_xr", "commit")
	xr.PromptPattern = nil
	xr.EnableCommand, xr.DisableCommand = "", ""
	xr.SaveFromConfig = true

	nxos := ciscoLike("cisco_nxos", "copy running-config startup-config")
	nxos.PromptPattern = nil
	nxos.EnableCommand, nxos.DisableCommand = "", ""

	eos := ciscoLike("arista_eos", "write memory")

	vrp := Dialect{
		Name:                 "huawei_vrp",
		PromptPattern:        regexp.MustCompile(`^<` + hostChars + `>$`),
		ConfigPromptPattern:  regexp.MustCompile(`^\[[~*]?` + hostChars + `\]$`),
		ConfirmPattern:       yesNo,
		ErrorPattern:         huaweiErrors,
		EnterConfigCommand:   "system-view",
		ExitConfigCommand:    "return",
		SaveCommand:          "save",
		PagingDisableCommand: "screen-length 0 temporary",
		ShowConfigCommand:    "display current-configuration",
		ConfirmAnswer:        "y",
	}

	comware := vrp
	comware.Name = "hp_comware"
	comware.SaveCommand = "save force"
	comware.PagingDisableCommand = "screen-length disable"

	junos := Dialect{
		Name:                 "juniper_junos",
		PromptPattern:        regexp.MustCompile(`^` + hostChars + `>$`),
		ConfigPromptPattern:  regexp.MustCompile(`^` + hostChars + `#$`),
		ConfirmPattern:       yesNo,
		ErrorPattern:         junosErrors,
		EnterConfigCommand:   "configure",
		ExitConfigCommand:    "exit configuration-mode",
		SaveCommand:          "commit",
		PagingDisableCommand: "set cli screen-length 0",
		ShowConfigCommand:    "show configuration | display set",
		ConfirmAnswer:        "yes",
		SaveFromConfig:       true,
	}

	linux := Dialect{
		Name:                    "linux",
		PromptPattern:           regexp.MustCompile(`[$>]$`),
		PrivilegedPromptPattern: regexp.MustCompile(`#$`),
		ErrorPattern:            linuxErrors,
	}

	m := map[string]Dialect{}
	for _, d := range []Dialect{ios, xe, xr, nxos, eos, vrp, comware, junos, linux} {
		m[d.Name] = d
	}
	m["huawei"] = vrp
	m["juniper"] = junos
	return m
}()

// LookupDialect returns the profile registered under name. Unknown names
// are a ValidationError.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, engine.Errorf(engine.KindValidation, "dialect",
			"unsupported device type %q (supported: %s)", name, strings.Join(DialectNames(), ", "))
	}
	return d, nil
}

// DialectNames lists every registered name including aliases, sorted.
func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
