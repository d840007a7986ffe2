package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var errSessionClosed = errors.New("session closed")

// commandDef describes a system speech command.
type commandDef struct {
	name       string
	binary     string
	voiceArgs  []string
	parseVoice func(out string) []string
	// render builds the arguments that write text to a WAV file.
	render func(voice string, rate int, text, outPath string) []string
}

// commandEngine runs one speech process per SaveToFile.
type commandEngine struct {
	def commandDef
}

// NewEspeak returns the espeak-ng engine used on Linux.
func NewEspeak(binary string) Engine {
	if binary == "" {
		binary = "espeak-ng"
	}
	return &commandEngine{def: commandDef{
		name:       EngineEspeak,
		binary:     binary,
		voiceArgs:  []string{"--voices"},
		parseVoice: parseEspeakVoices,
		render: func(voice string, rate int, text, outPath string) []string {
			args := []string{"-s", strconv.Itoa(rate), "-w", outPath}
			if voice != "" {
				args = append(args, "-v", voice)
			}
			// "--" keeps replies that start with a dash from being read as flags
			return append(args, "--", text)
		},
	}}
}

// NewSay returns the macOS say engine.
func NewSay(binary string) Engine {
	if binary == "" {
		binary = "say"
	}
	return &commandEngine{def: commandDef{
		name:       EngineSay,
		binary:     binary,
		voiceArgs:  []string{"-v", "?"},
		parseVoice: parseSayVoices,
		render: func(voice string, rate int, text, outPath string) []string {
			args := []string{"-r", strconv.Itoa(rate), "-o", outPath,
				"--file-format=WAVE", "--data-format=LEI16@22050"}
			if voice != "" {
				args = append(args, "-v", voice)
			}
			return append(args, "--", text)
		},
	}}
}

func (e *commandEngine) Name() string { return e.def.name }

func (e *commandEngine) Open(_ context.Context) (Session, error) {
	path, err := exec.LookPath(e.def.binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", e.def.binary, err)
	}
	return &commandSession{def: e.def, binary: path, rate: SpeakingRate}, nil
}

type commandSession struct {
	def    commandDef
	binary string
	voice  string
	rate   int
	closed bool
}

func (s *commandSession) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", s.def.name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *commandSession) SetVoice(ctx context.Context, id string) error {
	if s.closed {
		return errSessionClosed
	}
	out, err := s.run(ctx, s.def.voiceArgs...)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	if !containsVoice(s.def.parseVoice(out), id) {
		return fmt.Errorf("voice %q not installed", id)
	}
	s.voice = id
	return nil
}

func (s *commandSession) SetRate(wordsPerMinute int) error {
	if s.closed {
		return errSessionClosed
	}
	if wordsPerMinute <= 0 {
		return fmt.Errorf("invalid rate %d", wordsPerMinute)
	}
	s.rate = wordsPerMinute
	return nil
}

func (s *commandSession) SaveToFile(ctx context.Context, text, outPath string) error {
	if s.closed {
		return errSessionClosed
	}
	return writeFileAtomic(outPath, func(tmpPath string) error {
		_, err := s.run(ctx, s.def.render(s.voice, s.rate, text, tmpPath)...)
		return err
	})
}

func (s *commandSession) Close() error {
	s.closed = true
	return nil
}

// parseEspeakVoices reads `espeak-ng --voices`. Language codes, voice names
// and voice files are all accepted by -v.
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  en-us           --/M      English_(America)  gmw/en-US            (en 8)
func parseEspeakVoices(out string) []string {
	var voices []string
	for i, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if i == 0 || len(fields) < 5 {
			continue
		}
		voices = append(voices, fields[1], fields[3], fields[4])
	}
	return voices
}

// parseSayVoices reads `say -v ?`. Voice names may contain spaces.
//
//	Bad News            en_US    # The light you see at the end of the tunnel...
func parseSayVoices(out string) []string {
	var voices []string
	for _, line := range strings.Split(out, "\n") {
		head, _, _ := strings.Cut(line, "#")
		fields := strings.Fields(head)
		if len(fields) < 2 {
			continue
		}
		voices = append(voices, strings.Join(fields[:len(fields)-1], " "))
	}
	return voices
}

func containsVoice(voices []string, id string) bool {
	for _, v := range voices {
		if strings.EqualFold(v, id) {
			return true
		}
	}
	return false
}
