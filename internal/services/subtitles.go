package services

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/sceneforge/internal/models"
)

// ---------------------------------------------------------------------------
// Caption files
//
// burn mode renders an ASS script through libass. Transcribed narration keeps
// word timings, so each chunk is shown with the spoken word highlighted in a
// purple "pill"; request cues are shown as plain lines.
// mux mode writes SRT, converted to a mov_text stream at final mux.
// ---------------------------------------------------------------------------

const (
	// How many words to show at once
	wordsPerChunk = 4

	// Must match a font installed in the runtime image.
	subtitleFontName = "Noto Sans"

	// ASS colors are in &HAABBGGRR format (hex, note: BGR not RGB)
	assColorWhite     = "&H00FFFFFF" // pure white
	assColorBlack     = "&H00000000" // pure black (for outline)
	assColorPurple    = "&H00CC3299" // #9932CC in BGR
	assColorSemiBlack = "&H80000000" // 50% transparent black (for shadow)

	// Sizes relative to the frame height; tuned on a 3840-high canvas.
	fontSizePerHeight      = 124.0 / 3840
	marginVPerHeight       = 440.0 / 3840
	outlinePerHeight       = 6.0 / 3840
	highlightOutlinePerHgt = 16.0 / 3840
)

// WriteASS writes an ASS script sized for out. When words are given they
// drive highlighted chunks; otherwise each cue becomes one dialogue line.
func WriteASS(cues []models.CaptionCue, words []WordTimestamp, out models.OutputSpec, outputPath string) error {
	if len(cues) == 0 && len(words) == 0 {
		return fmt.Errorf("no captions to write")
	}

	h := float64(out.Height)
	fontSize := scaleAtLeast(h*fontSizePerHeight, 12)
	outline := scaleAtLeast(h*outlinePerHeight, 1)
	highlight := scaleAtLeast(h*highlightOutlinePerHgt, 2)
	marginV := scaleAtLeast(h*marginVPerHeight, 10)

	var sb strings.Builder

	// Script header
	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", out.Width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", out.Height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	// Style definitions
	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,2,0,1,%d,0,2,40,40,%d,1\n",
		subtitleFontName, fontSize,
		assColorWhite,     // PrimaryColour (text)
		assColorWhite,     // SecondaryColour
		assColorBlack,     // OutlineColour
		assColorSemiBlack, // BackColour (shadow)
		outline,
		marginV,
	)
	sb.WriteString("\n")

	// Events (dialogue lines)
	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	if len(words) > 0 {
		for _, chunk := range chunkWords(words, wordsPerChunk) {
			for wordIdx, word := range chunk {
				startTime := word.Start
				endTime := word.End
				if wordIdx < len(chunk)-1 {
					// End when the next word starts (seamless transition)
					endTime = chunk[wordIdx+1].Start
				}
				fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
					formatASSTime(startTime),
					formatASSTime(endTime),
					buildHighlightedChunkText(chunk, wordIdx, highlight),
				)
			}
		}
	} else {
		for _, cue := range cues {
			fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
				formatASSTime(cue.Start),
				formatASSTime(cue.End),
				escapeASSText(cue.Text),
			)
		}
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}
	return nil
}

// WriteSRT writes cues as SubRip, numbered from 1.
func WriteSRT(cues []models.CaptionCue, outputPath string) error {
	if len(cues) == 0 {
		return fmt.Errorf("no captions to write")
	}
	var sb strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n", i+1, formatSRTTime(cue.Start), formatSRTTime(cue.End), strings.TrimSpace(cue.Text))
	}
	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write SRT subtitle file: %w", err)
	}
	return nil
}

// chunkWords groups words into display chunks of the specified size.
// It also breaks at sentence boundaries (., !, ?) to keep chunks natural.
func chunkWords(words []WordTimestamp, chunkSize int) [][]WordTimestamp {
	var chunks [][]WordTimestamp
	var current []WordTimestamp

	for _, word := range words {
		current = append(current, word)

		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// buildHighlightedChunkText builds the ASS-formatted text for a chunk where
// the word at activeIdx is highlighted with a purple pill background.
//
// Output example: "THE {\3c&H00CC3299\bord8}HISTORY{\r} OF COFFEE"
func buildHighlightedChunkText(chunk []WordTimestamp, activeIdx, border int) string {
	var parts []string

	for i, word := range chunk {
		cleanWord := strings.ToUpper(escapeASSText(strings.TrimSpace(word.Word)))
		if cleanWord == "" {
			continue
		}

		if i == activeIdx {
			// \3c sets outline color, \bord sets outline thickness, \r resets
			parts = append(parts, fmt.Sprintf(
				"{\\3c%s\\bord%d}%s{\\r}",
				assColorPurple, border, cleanWord,
			))
		} else {
			parts = append(parts, cleanWord)
		}
	}

	return strings.Join(parts, " ")
}

// escapeASSText neutralizes override blocks and keeps line breaks.
func escapeASSText(s string) string {
	s = strings.NewReplacer("{", "(", "}", ")", "\r\n", `\N`, "\n", `\N`).Replace(s)
	return strings.TrimSpace(s)
}

// formatASSTime converts seconds to ASS timestamp format: H:MM:SS.CC (centiseconds)
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int(seconds*100 + 0.5)
	return fmt.Sprintf("%d:%02d:%02d.%02d", cs/360000, (cs/6000)%60, (cs/100)%60, cs%100)
}

// formatSRTTime converts seconds to HH:MM:SS,mmm.
func formatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, (ms/60000)%60, (ms/1000)%60, ms%1000)
}

func scaleAtLeast(v float64, min int) int {
	n := int(v + 0.5)
	if n < min {
		return min
	}
	return n
}
