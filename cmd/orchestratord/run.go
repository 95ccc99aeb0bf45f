package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"alex/internal/orchestration/dispatcher"
	"alex/internal/orchestration/events"
	"alex/internal/orchestration/handover"
	"alex/internal/orchestration/inbox"
	"alex/internal/orchestration/knowledge"
	"alex/internal/orchestration/llmtransport"
	"alex/internal/orchestration/model"
	"alex/internal/orchestration/persistence"
	"alex/internal/orchestration/run"
	"alex/internal/orchestration/tools"
	"alex/internal/orchestration/turns"
)

const pollInterval = 150 * time.Millisecond

func newRunCommand() *cobra.Command {
	var (
		partnerProfile string
		projectID      string
		timeoutSeconds int
	)

	cmd := &cobra.Command{
		Use:   "run <question>",
		Short: "Starts a Partner-interaction run and drives it to its first await_user_input or end_flow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return runOnce(cmd.Context(), question, partnerProfile, projectID, timeoutSeconds)
		},
	}

	cmd.Flags().StringVar(&partnerProfile, "partner-profile", "default_partner", "logical name of the Partner profile to run")
	cmd.Flags().StringVar(&projectID, "project", "cli-project", "project id the run belongs to, for persistence snapshots")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 300, "seconds to wait for the Partner pass to reach await_user_input or end_flow")
	return cmd
}

// registry is the process's run_id -> RunContext lookup, the one piece
// every wired collaborator (events.Emitter, persistence.Hook,
// llmtransport.Adapter) needs to resolve a live run by id.
type registry struct {
	mu   sync.RWMutex
	runs map[string]*model.RunContext
}

func newRegistry() *registry { return &registry{runs: make(map[string]*model.RunContext)} }

func (r *registry) put(run *model.RunContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.Meta.RunID] = run
}

func (r *registry) lookupRun(runID string) (*model.RunContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	return run, ok
}

func (r *registry) lookupRuntime(runID string) (*model.Runtime, bool) {
	run, ok := r.lookupRun(runID)
	if !ok {
		return nil, false
	}
	return run.Runtime, true
}

func runOnce(ctx context.Context, question, partnerProfile, projectID string, timeoutSeconds int) error {
	cfg, _, err := loadOrchestrationConfig()
	if err != nil {
		return fmt.Errorf("load orchestration config: %w", err)
	}

	profiles, err := loadProfileCatalog(cfg.ProfileStoreDir)
	if err != nil {
		return fmt.Errorf("load profile catalog: %w", err)
	}
	if _, ok := profiles.Profiles[partnerProfile]; !ok {
		return fmt.Errorf("profile %q not found under %s", partnerProfile, cfg.ProfileStoreDir)
	}

	reg := newRegistry()

	emitter := events.New(reg.lookupRun)
	turnMgr := turns.New()
	kbStore := knowledge.New("shared")
	handoverSvc := handover.New()
	if err := handoverSvc.LoadDir(cfg.HandoverProtocolDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load handover protocols: %w", err)
	}
	toolReg := tools.New(handoverSvc)
	ingestors := inbox.NewRegistry()

	streamClient := llmtransport.NewOpenAIStreamClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	configLookup := func(name string) (model.LLMConfig, bool) {
		if name != defaultLLMConfigName() && name != "" {
			return model.LLMConfig{}, false
		}
		return model.LLMConfig{Name: defaultLLMConfigName(), Model: cfg.LLMModel}, true
	}
	transport := llmtransport.New(streamClient, configLookup, reg.lookupRuntime)
	transport.AppMaxRetries = cfg.EmptyResponseRetries

	dispatchSvc := dispatcher.New(dispatcher.Deps{
		Handover:  handoverSvc,
		Turns:     turnMgr,
		ToolReg:   toolReg,
		Ingestors: ingestors,
		Knowledge: kbStore,
		Transport: transport,
		Profiles:  func(name string) (*model.Profile, bool) { p, ok := profiles.Profiles[name]; return &p, ok },
	})

	orch := run.New(run.Deps{
		Handover:   handoverSvc,
		Turns:      turnMgr,
		ToolReg:    toolReg,
		Ingestors:  ingestors,
		Knowledge:  kbStore,
		Transport:  transport,
		Profiles:   func(name string) (*model.Profile, bool) { p, ok := profiles.Profiles[name]; return &p, ok },
		Dispatcher: dispatchSvc,
	})

	registerMetaTools(toolReg, orch, dispatchSvc)

	store, err := persistence.NewFileStore(cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	hook := persistence.NewHook(store, reg.lookupRun, nil)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	hook.Start(runCtx, emitter)

	subscription := make(chan model.Event, 256)
	emitter.RegisterClient("*", subscription)
	go printEvents(subscription)

	runID := uuid.NewString()
	runtime := &model.Runtime{
		Events:              emitter,
		Knowledge:           knowledge.NewAdapter(kbStore),
		Turns:               turnMgr,
		PrincipalCompletion: make(chan struct{}, 1),
		Usage:               &model.UsageCounters{},
	}

	runConfig := model.RunConfig{
		Profiles:   profiles,
		LLMConfigs: model.LLMConfigCatalog{Configs: map[string]model.LLMConfig{defaultLLMConfigName(): {Name: defaultLLMConfigName(), Model: cfg.LLMModel}}},
	}

	runContext, partner := orch.CreateRun(runID, model.RunTypePartnerInteraction, runConfig, projectID, runtime, question, run.CreateRunOptions{
		PartnerProfileLogicalName: partnerProfile,
	})
	reg.put(runContext)

	partner.PushInboxItem(&model.InboxItem{
		ItemID:            fmt.Sprintf("inbox_%s", uuid.NewString()),
		Source:            model.SourceUserPrompt,
		Payload:           question,
		ConsumptionPolicy: model.ConsumeOnRead,
		Metadata:          model.InboxMetadata{CreatedAt: time.Now().UTC()},
	})

	flowDone := make(chan struct{})
	go func() {
		orch.RunPartnerFlow(runCtx, partner)
		close(flowDone)
	}()

	select {
	case partner.Runtime.NewUserInput <- struct{}{}:
	default:
	}

	waitForPass(runCtx, partner)
	cancel()
	<-flowDone

	printFinalAnswer(partner)
	return nil
}

// waitForPass polls partner's state until the decider has routed to
// end_flow or await_user_input (IsWaitingForUserInput flips true only on
// the latter; a dispatch to end_flow instead drops LastTurnID's owning
// turn into TurnCompleted, which PrincipalFlowRunning-adjacent code has no
// simpler signal for than this poll), or until ctx is cancelled.
func waitForPass(ctx context.Context, partner *model.SubContext) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var waiting bool
			var lastTurnID string
			partner.ReadLocked(func(st model.SubContextState) {
				waiting = st.IsWaitingForUserInput
				lastTurnID = st.LastTurnID
			})
			if waiting {
				return
			}
			if lastTurnID != "" {
				if turn, ok := partner.Refs.Team.TurnByID(lastTurnID); ok {
					var status model.TurnStatus
					turn.WithLock(func(t *model.Turn) { status = t.Status })
					if status == model.TurnCompleted || status == model.TurnError {
						return
					}
				}
			}
		}
	}
}

// registerMetaTools registers the two flow-control tools that belong to
// the orchestration layer rather than to any profile-defined capability:
// launch_principal (spec §4.8, implemented as orch.LaunchPrincipal, a
// tools.Func) and dispatch_submodules (spec §4.4, special-cased by name in
// run.drivePrincipal/runPartnerPass rather than invoked through
// Entry.Implementation, so it is registered here with no Implementation).
func registerMetaTools(reg *tools.Registry, orch *run.Orchestrator, dispatchSvc *dispatcher.Service) {
	_ = reg.Register(&tools.Entry{
		Name:        run.LaunchPrincipalName,
		Description: "Launches or resumes a Principal session to carry out the delegated work.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode":                         map[string]any{"type": "string"},
				"force_terminate_and_relaunch": map[string]any{"type": "boolean"},
			},
		},
		Kind:           tools.KindInternal,
		Implementation: orch.LaunchPrincipal,
	})

	_ = reg.Register(&tools.Entry{
		Name:        "dispatch_submodules",
		Description: "Assigns a batch of work modules to freshly-launched Associate agents.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assignments": map[string]any{"type": "array"},
			},
		},
		Kind: tools.KindInternal,
	})
}

func printFinalAnswer(partner *model.SubContext) {
	var messages []model.Message
	partner.ReadLocked(func(st model.SubContextState) { messages = st.Messages })
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleAssistant && strings.TrimSpace(messages[i].Content) != "" {
			fmt.Println("---")
			fmt.Println(messages[i].Content)
			return
		}
	}
}

func printEvents(ch <-chan model.Event) {
	for ev := range ch {
		line, err := json.Marshal(struct {
			Type    model.EventType `json:"type"`
			RunID   string          `json:"run_id"`
			AgentID string          `json:"agent_id,omitempty"`
			At      time.Time       `json:"at"`
		}{ev.Type, ev.RunID, ev.AgentID, ev.Timestamp})
		if err != nil {
			continue
		}
		fmt.Fprintln(os.Stderr, string(line))
	}
}

