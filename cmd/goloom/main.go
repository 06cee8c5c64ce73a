// Command goloom is a terminal chat client over the memory engine: it runs
// a conversation against OpenRouter while the background pipeline keeps
// world state, facts, and summaries current.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/chat"
	"github.com/loomchat/goloom/pkg/facts"
	"github.com/loomchat/goloom/pkg/lorebook"
	"github.com/loomchat/goloom/pkg/provider"
	"github.com/loomchat/goloom/pkg/summary"
	"github.com/loomchat/goloom/pkg/tasks"
	"github.com/loomchat/goloom/pkg/token"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	character := flag.String("character", "", "character id to chat with")
	flag.Parse()

	if err := run(*configPath, *character); err != nil {
		log.Fatalf("[Main] %v", err)
	}
}

func run(configPath, characterID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStoreWithDSN(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	client := provider.NewOpenRouterClient(provider.OpenRouterConfig{
		APIKey:     cfg.OpenRouter.APIKey,
		Models:     cfg.OpenRouter.Models,
		EmbedModel: cfg.OpenRouter.EmbedModel,
		Referer:    cfg.OpenRouter.Referer,
		Title:      cfg.OpenRouter.Title,
	})

	queue := tasks.NewQueue(64)
	defer queue.Close()

	factSvc := facts.NewService(st, client, facts.Config{})
	svc := chat.NewService(st, client, factSvc, summary.NewService(st, client), queue, chat.Config{
		Models:   cfg.OpenRouter.Models,
		UserName: cfg.UserName,
		Budget: token.Budget{
			MaxContextTokens: cfg.Budget.MaxContextTokens,
			MaxOutputTokens:  cfg.Budget.MaxOutputTokens,
		},
		Scan: lorebook.ScanConfig{
			ScanDepth:       cfg.Lorebook.ScanDepth,
			TokenBudget:     cfg.Lorebook.TokenBudget,
			Recursive:       cfg.Lorebook.Recursive,
			MatchWholeWords: cfg.Lorebook.MatchWholeWords,
		},
		ConsolidateEvery: cfg.ConsolidateEvery,
	})

	conv, err := svc.CreateConversation(characterID, "terminal session")
	if err != nil {
		return err
	}
	fmt.Printf("conversation %s started. /preview shows the context budget, /quit exits.\n", conv.ID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/preview":
			printPreview(svc, conv.ID)
		default:
			reply, err := svc.SendMessage(context.Background(), conv.ID, line)
			if err != nil {
				log.Printf("[Main] turn failed: %v", err)
				continue
			}
			fmt.Println(reply.Content)
		}
	}
}

func printPreview(svc *chat.Service, conversationID string) {
	preview, err := svc.PreviewContext(conversationID)
	if err != nil {
		log.Printf("[Main] preview failed: %v", err)
		return
	}
	fmt.Printf("included %d messages, dropped %d, %d tokens total\n",
		preview.IncludedMessageCount, preview.DroppedMessageCount, preview.TotalTokens)
	for section, tokens := range preview.TokensByType {
		fmt.Printf("  %-12s %6d\n", section, tokens)
	}
	for _, w := range preview.Warnings {
		fmt.Println("  warning:", w)
	}
}
