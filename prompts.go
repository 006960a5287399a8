package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

var promptMoods = []string{
	"dreamy", "melancholic", "upbeat", "haunting", "nostalgic", "euphoric",
	"brooding", "playful", "cinematic", "hypnotic", "serene", "restless",
	"triumphant", "bittersweet", "shimmering", "gritty",
}

var promptGenres = []string{
	"lo-fi hip hop", "synthwave", "indie folk", "deep house", "post-rock",
	"ambient", "jazz fusion", "city pop", "drum and bass", "neo-soul",
	"chamber pop", "trip hop", "bossa nova", "shoegaze", "future garage",
}

var promptSubjects = []string{
	"midnight trains", "empty arcades", "summer storms", "neon harbors",
	"old photographs", "distant satellites", "abandoned lighthouses",
	"rain on windows", "last goodbyes", "first snowfall", "desert highways",
	"rooftop gardens",
}

// GeneratePrompt composes a random generation prompt from the built-in pools.
func GeneratePrompt() string {
	mood := promptMoods[rand.Intn(len(promptMoods))]
	genre := promptGenres[rand.Intn(len(promptGenres))]
	subject := promptSubjects[rand.Intn(len(promptSubjects))]
	return fmt.Sprintf("%s %s about %s", mood, genre, subject)
}

// PromptSource hands out prompts for batch generation, either from a file
// (one prompt per line) or generated from the built-in pools.
type PromptSource struct {
	prompts []string
	index   int
}

// NewPromptSource loads prompts.txt when it exists; otherwise prompts are
// generated on demand.
func NewPromptSource() *PromptSource {
	src := &PromptSource{}
	file, err := os.Open("prompts.txt")
	if err != nil {
		return src
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		src.prompts = append(src.prompts, line)
	}
	return src
}

// Count returns the number of file-loaded prompts (0 means generated mode).
func (s *PromptSource) Count() int {
	return len(s.prompts)
}

// Next returns the next prompt, wrapping around in file mode.
func (s *PromptSource) Next() string {
	if len(s.prompts) == 0 {
		return GeneratePrompt()
	}
	prompt := s.prompts[s.index%len(s.prompts)]
	s.index++
	return prompt
}
