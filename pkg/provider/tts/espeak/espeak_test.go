package espeak

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/umindsales/magus/pkg/provider/tts"
)

// fakeEspeak writes a shell script that records its arguments and prints a
// WAV file, and returns its path.
func fakeEspeak(t *testing.T, wav []byte) (cmd, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	dir := t.TempDir()
	wavFile := filepath.Join(dir, "out.wav")
	argsFile = filepath.Join(dir, "args")
	if err := os.WriteFile(wavFile, wav, 0o600); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\ncat " + wavFile + "\n"
	cmd = filepath.Join(dir, "espeak-ng")
	if err := os.WriteFile(cmd, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return cmd, argsFile
}

func wav22k(samples int) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0xFFFFFFFF))
	b.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(1), uint32(22050), uint32(44100), uint16(2), uint16(16)} {
		_ = binary.Write(&b, binary.LittleEndian, v)
	}
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0xFFFFFFFF))
	b.Write(make([]byte, samples*2))
	return b.Bytes()
}

func TestSynthesize(t *testing.T) {
	cmd, argsFile := fakeEspeak(t, wav22k(100))

	p, err := New(WithCommand(cmd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf, err := p.Synthesize(context.Background(), "-olá mundo", tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if buf.SampleRate != 22050 || len(buf.Samples) != 100 {
		t.Errorf("unexpected buffer rate=%d n=%d", buf.SampleRate, len(buf.Samples))
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	want := []string{"--stdout", "-v", "pt-br+f3", "-s", "160", "--", "-olá mundo"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", args, want)
	}
}

func TestSynthesize_EmptyOutput(t *testing.T) {
	cmd, _ := fakeEspeak(t, nil)
	p, err := New(WithCommand(cmd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "oi", tts.Voice{}); !errors.Is(err, tts.ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestNew_MissingBinary(t *testing.T) {
	_, err := New(WithCommand("definitely-not-an-espeak-binary"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestEspeakVoice(t *testing.T) {
	tests := []struct {
		in   tts.Voice
		want string
	}{
		{tts.Voice{LanguageCode: "pt-BR", Gender: "FEMALE"}, "pt-br+f3"},
		{tts.Voice{LanguageCode: "en-US", Gender: "MALE"}, "en-us"},
	}
	for _, tt := range tests {
		if got := espeakVoice(tt.in); got != tt.want {
			t.Errorf("espeakVoice(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
