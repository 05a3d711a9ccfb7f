package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		wantErr    bool
	}{
		{
			name:       "JSON output mode",
			jsonOutput: true,
			wantErr:    false,
		},
		{
			name:       "Console output mode",
			jsonOutput: false,
			wantErr:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset global logger
			Logger = nil
			JSONOutput = false

			err := Initialize(tt.jsonOutput)
			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if Logger == nil {
					t.Error("Initialize() did not set global Logger")
				}
				if JSONOutput != tt.jsonOutput {
					t.Errorf("Initialize() JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
				}
			}

			// Cleanup
			if Logger != nil {
				Logger.Sync()
				Logger = nil
			}
		})
	}
}

func TestInitializeWithVerbosity(t *testing.T) {
	defer func() {
		Logger = zap.NewNop().Sugar()
	}()

	if err := InitializeWithVerbosity(false, VerbosityDebug); err != nil {
		t.Fatalf("InitializeWithVerbosity() error = %v", err)
	}
	if Logger == nil {
		t.Fatal("InitializeWithVerbosity() did not set global Logger")
	}
	if !Logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug verbosity should enable DebugLevel")
	}

	if err := InitializeWithVerbosity(false, VerbosityUser); err != nil {
		t.Fatalf("InitializeWithVerbosity() error = %v", err)
	}
	if Logger.Desugar().Core().Enabled(zapcore.InfoLevel) {
		t.Error("user verbosity should suppress InfoLevel")
	}
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		want      zapcore.Level
	}{
		{VerbosityUser, zapcore.WarnLevel},
		{VerbosityInfo, zapcore.InfoLevel},
		{VerbosityDebug, zapcore.DebugLevel},
		{VerbosityTrace, zapcore.DebugLevel},
		{VerbosityAll, zapcore.DebugLevel},
		{99, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		if got := VerbosityToLevel(tt.verbosity); got != tt.want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}

func TestLevelToVerbosity(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"warn", VerbosityUser},
		{"error", VerbosityUser},
		{"info", VerbosityInfo},
		{"", VerbosityInfo},
		{"debug", VerbosityDebug},
		{"trace", VerbosityTrace},
		{"bogus", VerbosityInfo},
	}

	for _, tt := range tests {
		if got := LevelToVerbosity(tt.level); got != tt.want {
			t.Errorf("LevelToVerbosity(%q) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestShouldOutput(t *testing.T) {
	// Level 0 categories always show
	if !ShouldOutput(VerbosityUser, OutputErrors) {
		t.Error("errors should show at verbosity 0")
	}
	// Level 2 categories hidden below -vv
	if ShouldOutput(VerbosityInfo, OutputClaims) {
		t.Error("claims should not show at -v")
	}
	if !ShouldOutput(VerbosityDebug, OutputClaims) {
		t.Error("claims should show at -vv")
	}
	// Level 4 categories need -vvvv
	if ShouldOutput(VerbosityTrace, OutputRequestBody) {
		t.Error("request bodies should not show at -vvv")
	}
	if !ShouldOutput(VerbosityAll, OutputRequestBody) {
		t.Error("request bodies should show at -vvvv")
	}
}

func TestCleanup(t *testing.T) {
	// Cleanup with nil logger should not panic
	Logger = nil
	Cleanup()

	// Cleanup with real logger should not panic
	if err := Initialize(true); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	Cleanup()

	Logger = zap.NewNop().Sugar()
}

func TestLoggingFunctionsNilSafe(t *testing.T) {
	// All package-level helpers must be safe with a nil logger
	Logger = nil
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("logging with nil Logger panicked: %v", r)
		}
		Logger = zap.NewNop().Sugar()
	}()

	Info("info")
	Infof("info %d", 1)
	Infow("info", "key", "value")
	Warn("warn")
	Warnf("warn %d", 1)
	Warnw("warn", "key", "value")
	Error("error")
	Errorf("error %d", 1)
	Errorw("error", "key", "value")
	Debug("debug")
	Debugf("debug %d", 1)
	Debugw("debug", "key", "value")
}

func TestComponentLogger(t *testing.T) {
	Logger = zap.NewNop().Sugar()
	named := ComponentLogger("broker.reclaimer")
	if named == nil {
		t.Fatal("ComponentLogger returned nil")
	}
}
