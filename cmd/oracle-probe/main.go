// Manual check of a live provider: sends one sub-batch of sample labels
// through the oracle and prints how the reply was parsed.
//
//	OPENAI_API_KEY=... go run ./cmd/oracle-probe -provider openai -model gpt-4o-mini
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/llm"
	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/oracle"
)

var sampleLabels = []string{
	"green space", "Park", "tree canopy", "traffic noise", "crowding",
	"dim lighting", "graffiti", "natural light", "litter", "busy street",
}

func main() {
	provider := flag.String("provider", "openai", "LLM provider (openai, anthropic, ollama, gemini)")
	modelName := flag.String("model", "", "model name (provider default if empty)")
	groups := flag.String("groups", "Green space;Noise", "existing groups offered to the model, ';'-separated")
	timeout := flag.Duration("timeout", 60*time.Second, "per-call deadline")
	flag.Parse()

	cfg := model.DefaultConfig().LLM
	cfg.Provider, cfg.Model = *provider, *modelName
	switch *provider {
	case "openai":
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic", "claude":
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "gemini", "google":
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	case "ollama":
		cfg.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}

	p, err := llm.NewProvider(llm.ConfigFromModel(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	o := oracle.NewLLMOracle(p, oracle.Options{Model: *modelName, Timeout: *timeout, GroupExamples: 3, Logger: logger})

	req := oracle.Request{}
	for _, s := range sampleLabels {
		req.Labels = append(req.Labels, labels.RawLabel{Key: labels.Key(s), Display: labels.Display(s)})
	}
	for _, g := range strings.Split(*groups, ";") {
		if g = strings.TrimSpace(g); g != "" {
			req.Groups = append(req.Groups, oracle.GroupHint{Name: g})
		}
	}

	fmt.Printf("=== Oracle probe: %s ===\n\n", o.Source())
	start := time.Now()
	out, err := o.Classify(context.Background(), req)
	fmt.Printf("Call took %s\n\n", time.Since(start).Round(time.Millisecond))

	for _, l := range req.Labels {
		a, ok := out[l.Key]
		switch {
		case !ok:
			fmt.Printf("  %-16s  (no assignment)\n", l.Display)
		case a.New:
			fmt.Printf("  %-16s  -> %s (new)\n", l.Display, a.Group)
		default:
			fmt.Printf("  %-16s  -> %s\n", l.Display, a.Group)
		}
	}

	var perr *oracle.ParseError
	var terr *oracle.TimeoutError
	switch {
	case errors.As(err, &terr):
		fmt.Printf("\nTimed out: %v\n", err)
	case errors.As(err, &perr):
		fmt.Printf("\nParse problem: %v\nReply excerpt: %s\n", perr, perr.Raw)
	case err != nil:
		fmt.Printf("\nError: %v\n", err)
	}
}
