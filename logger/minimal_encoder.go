package logger

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Color palettes for different themes
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"
)

// Gruvbox Dark color palette (warm, muted, easy on eyes)
type gruvboxColors struct {
	fg       string
	aqua     string
	orange   string
	yellow   string
	green    string
	blue     string
	purple   string
	red      string
	redBg    string
	yellowBg string
}

var gruvbox = gruvboxColors{
	fg:       "\x1b[38;5;223m", // Soft cream (#ebdbb2)
	aqua:     "\x1b[38;5;108m", // Muted cyan-green (#8ec07c)
	orange:   "\x1b[38;5;208m", // Warm orange (#fe8019)
	yellow:   "\x1b[38;5;214m", // Soft yellow (#fabd2f)
	green:    "\x1b[38;5;142m", // Muted green (#b8bb26)
	blue:     "\x1b[38;5;109m", // Soft blue (#83a598)
	purple:   "\x1b[38;5;175m", // Muted purple (#d3869b)
	red:      "\x1b[38;5;167m", // Warm red (#fb4934)
	redBg:    "\x1b[48;5;88m",  // Dark red background
	yellowBg: "\x1b[48;5;58m",  // Dark yellow background
}

// Everforest Dark color palette (natural forest greens, strong green presence)
type everforestColors struct {
	fg          string
	greenBright string // Bright leaf green
	greenMid    string // Mid forest green
	greenDeep   string // Deep forest green
	aqua        string // Blue-green water
	orange      string // Autumn orange
	yellow      string // Warm yellow
	red         string // Error red
	redBg       string
	yellowBg    string
}

var everforest = everforestColors{
	fg:          "\x1b[38;5;223m", // Soft beige (#d3c6aa)
	greenBright: "\x1b[38;5;108m", // Bright green (#a7c080) - prominent
	greenMid:    "\x1b[38;5;107m", // Mid green (#83c092) - timestamps
	greenDeep:   "\x1b[38;5;65m",  // Deep green (#7fbbb3) - secondary
	aqua:        "\x1b[38;5;109m", // Blue-green (#7fbbb3) - client/network
	orange:      "\x1b[38;5;208m", // Warm orange (#e69875) - components
	yellow:      "\x1b[38;5;179m", // Soft yellow (#dbbc7f) - warnings
	red:         "\x1b[38;5;167m", // Warm red (#e67e80) - errors
	redBg:       "\x1b[48;5;52m",  // Dark red background
	yellowBg:    "\x1b[48;5;58m",  // Dark yellow background
}

// Current active theme (set by logger.Initialize from the environment)
var currentTheme = "everforest"

// SetTheme configures the color scheme for log output
func SetTheme(theme string) {
	if theme == "everforest" || theme == "gruvbox" {
		currentTheme = theme
	}
}

// Theme-aware color getters
func colorTime() string {
	if currentTheme == "everforest" {
		return everforest.greenMid // Green timestamps for forest theme
	}
	return gruvbox.aqua
}

func colorComponent(name string) string {
	// Hash for consistent color per component
	hash := 0
	for _, c := range name {
		hash += int(c)
	}

	if currentTheme == "everforest" {
		// Rotate between bright green and orange for strong green presence
		if hash%3 == 0 {
			return everforest.greenBright
		} else if hash%3 == 1 {
			return everforest.greenDeep
		}
		return everforest.orange
	}

	// Gruvbox: rotate orange/yellow
	if hash%2 == 0 {
		return gruvbox.orange
	}
	return gruvbox.yellow
}

func colorMessage(msg string) string {
	lower := strings.ToLower(msg)

	if currentTheme == "everforest" {
		// Strong green presence: most operations are green
		if strings.Contains(lower, "claim") || strings.Contains(lower, "processing") ||
			strings.Contains(lower, "completed") || strings.Contains(lower, "job") {
			return everforest.greenBright // Prominent green for job flow
		}
		if strings.Contains(lower, "client") || strings.Contains(lower, "connected") ||
			strings.Contains(lower, "websocket") || strings.Contains(lower, "monitor") {
			return everforest.greenMid // Mid green for client events
		}
		if strings.Contains(lower, "starting") || strings.Contains(lower, "started") ||
			strings.Contains(lower, "worker") || strings.Contains(lower, "config") {
			return everforest.greenDeep // Deep green for lifecycle
		}
		return everforest.fg
	}

	// Gruvbox: semantic diversity
	if strings.Contains(lower, "client") || strings.Contains(lower, "connected") ||
		strings.Contains(lower, "websocket") || strings.Contains(lower, "monitor") {
		return gruvbox.blue
	}
	if strings.Contains(lower, "claim") || strings.Contains(lower, "processing") ||
		strings.Contains(lower, "completed") || strings.Contains(lower, "job") {
		return gruvbox.green
	}
	if strings.Contains(lower, "starting") || strings.Contains(lower, "started") ||
		strings.Contains(lower, "worker") || strings.Contains(lower, "config") {
		return gruvbox.orange
	}
	return gruvbox.fg
}

// colorizeMessage parses a log message and applies context-aware colorization
// to bracketed contexts: [job:XXX], [sweep], etc.
// Returns the fully colorized message string with embedded ANSI codes.
func colorizeMessage(msg string) string {
	bracketPattern := regexp.MustCompile(`\[([^\]]+)\]`)

	getJobIDColor := func() string {
		if currentTheme == "everforest" {
			return everforest.aqua
		}
		return gruvbox.blue
	}

	getStageColor := func() string {
		if currentTheme == "everforest" {
			return everforest.orange
		}
		return gruvbox.orange
	}

	getBaseTextColor := func() string {
		if currentTheme == "everforest" {
			return everforest.fg
		}
		return gruvbox.fg
	}

	// Track position for building colorized string
	result := strings.Builder{}
	lastIndex := 0

	// Find all bracketed contexts and colorize them
	matches := bracketPattern.FindAllStringSubmatchIndex(msg, -1)
	for _, match := range matches {
		// Append text before bracket in base color
		textBefore := msg[lastIndex:match[0]]
		if textBefore != "" {
			result.WriteString(getBaseTextColor())
			result.WriteString(textBefore)
			result.WriteString(colorReset)
		}

		// Extract bracket content
		bracketStart := match[0]
		bracketEnd := match[1]
		content := msg[match[2]:match[3]]

		// Determine color based on bracket content
		var color string
		if strings.HasPrefix(content, "job:") || strings.HasPrefix(content, "worker:") {
			color = getJobIDColor()
		} else {
			// Stage markers like [sweep], [reclaim], etc.
			color = getStageColor()
		}

		// Append colored bracket
		result.WriteString(color)
		result.WriteString(msg[bracketStart:bracketEnd])
		result.WriteString(colorReset)

		lastIndex = bracketEnd
	}

	// Append remaining text
	remaining := msg[lastIndex:]
	if remaining != "" {
		result.WriteString(getBaseTextColor())
		result.WriteString(remaining)
		result.WriteString(colorReset)
	}

	return result.String()
}

func colorID() string {
	if currentTheme == "everforest" {
		return everforest.aqua // Blue-green for IDs
	}
	return gruvbox.blue
}

func colorNumber() string {
	if currentTheme == "everforest" {
		return everforest.greenBright // Bright green for numbers (strong presence)
	}
	return gruvbox.purple
}

func colorFg() string {
	if currentTheme == "everforest" {
		return everforest.fg
	}
	return gruvbox.fg
}

func colorWarn() (string, string) {
	if currentTheme == "everforest" {
		return everforest.yellow, everforest.yellowBg
	}
	return gruvbox.yellow, gruvbox.yellowBg
}

func colorError() (string, string) {
	if currentTheme == "everforest" {
		return everforest.red, everforest.redBg
	}
	return gruvbox.red, gruvbox.redBg
}

// minimalEncoder implements a calm, compact console encoder with theme support
// Format: "13:04:35  b.reclaimer  Job reclaimed  job_id=job-9f2 worker_id=gpu0-a"
type minimalEncoder struct {
	zapcore.Encoder // Embed a base encoder for field serialization
	buf             *buffer.Buffer
}

func newMinimalEncoder() *minimalEncoder {
	// Create a base JSON encoder for field serialization (internal use only)
	baseEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	return &minimalEncoder{
		Encoder: baseEncoder,
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{
		Encoder: enc.Encoder.Clone(),
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	// Time: theme-aware color
	final.AppendString(colorTime())
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level: only show for WARN/ERROR with bold + background
	if ent.Level != zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	// Component name (abbreviated): theme-aware color for visual grouping
	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorComponent(ent.LoggerName))
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	// Message: context-aware colorization of brackets and content
	final.AppendString("  ")
	final.AppendString(colorizeMessage(ent.Message))

	// Fields: every field is rendered, values colored by kind
	if len(fields) > 0 {
		rendered := renderFields(fields)
		if rendered != "" {
			final.AppendString("  ")
			final.AppendString(rendered)
		}
	}

	final.AppendString("\n")
	return final, nil
}

// levelColorString returns bold + colored + background for WARN/ERROR
func levelColorString(level zapcore.Level) string {
	warnColor, warnBg := colorWarn()
	errColor, errBg := colorError()

	switch level {
	case zapcore.WarnLevel:
		return colorBold + warnBg + warnColor + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + errBg + errColor + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + errBg + errColor + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// abbreviateName shortens component names: server -> server, broker.reclaimer -> b.reclaimer
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

// idFieldKeys are field keys whose values render in the ID color
var idFieldKeys = map[string]bool{
	FieldJobID:      true,
	FieldWorkerID:   true,
	FieldMachineID:  true,
	FieldClientID:   true,
	FieldRequestID:  true,
	FieldWorkflowID: true,
}

// numberFieldKeys are field keys whose values render in the number color
var numberFieldKeys = map[string]bool{
	FieldDurationMS: true,
	FieldProgress:   true,
	FieldPriority:   true,
	FieldRetryCount: true,
	FieldCount:      true,
	"pending":       true,
	"active":        true,
	"score":         true,
}

// renderFields renders every structured field as key=value.
// No field is ever silently discarded; unknown types fall back to %v.
func renderFields(fields []zapcore.Field) string {
	objEnc := zapcore.NewMapObjectEncoder()
	for i := range fields {
		fields[i].AddTo(objEnc)
	}

	var parts []string
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		val, ok := objEnc.Fields[field.Key]
		if !ok {
			continue
		}
		rendered := fmt.Sprintf("%v", val)

		switch {
		case idFieldKeys[field.Key]:
			parts = append(parts, colorFg()+field.Key+"="+colorReset+colorID()+rendered+colorReset)
		case numberFieldKeys[field.Key]:
			parts = append(parts, colorFg()+field.Key+"="+colorReset+colorNumber()+rendered+colorReset)
		default:
			parts = append(parts, colorFg()+field.Key+"="+rendered+colorReset)
		}
	}

	return strings.Join(parts, " ")
}
