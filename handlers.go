package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"kilo/internal/cache"
	"kilo/internal/kerr"
	"kilo/internal/llm"
	"kilo/internal/orchestrator"
	"kilo/internal/persistence"
	"kilo/internal/schemagen"
	"kilo/internal/skills"
	"kilo/internal/sqlsandbox"
	"kilo/internal/vault"
)

// tierSkillLimits caps skills per bot by subscription tier; 0 means
// unlimited.
var tierSkillLimits = map[string]int{
	"free":      5,
	"pro":       25,
	"unlimited": 0,
}

type app struct {
	stores    persistence.Stores
	cache     *cache.Service
	pool      *pgxpool.Pool
	vault     *vault.Vault
	validator *skills.Validator
	schemagen *schemagen.Generator
	sandbox   *sqlsandbox.Executor
	orch      *orchestrator.Orchestrator
	gateway   llm.Gateway
}

// writeError maps any error to the declared status plus the generic
// envelope. Unknown errors become 500 with the detail logged, not leaked.
func writeError(c echo.Context, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorEnvelope{Error: errorBody{Code: "not_found", Message: "resource not found"}})
	}
	if errors.Is(err, persistence.ErrConflict) {
		return c.JSON(http.StatusConflict, errorEnvelope{Error: errorBody{Code: "conflict", Message: "resource already exists"}})
	}
	if ke, ok := kerr.As(err); ok {
		return c.JSON(ke.HTTPStatus(), errorEnvelope{Error: errorBody{
			Code:    string(ke.Code),
			Message: ke.Message,
			Details: ke.Fields,
		}})
	}
	log.Error().Err(err).Msg("request_internal_error")
	return c.JSON(http.StatusInternalServerError, errorEnvelope{Error: errorBody{
		Code: "INTERNAL_ERROR", Message: "internal error",
	}})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorEnvelope{Error: errorBody{Code: "bad_request", Message: message}})
}

// chatHandler runs the message pipeline and persists both turns.
func (a *app) chatHandler(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.BotID == "" || req.UserID == "" || req.Content == "" {
		return badRequest(c, "botId, userId, and content are required")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx := c.Request().Context()

	if _, err := a.stores.Messages.Append(ctx, persistence.Message{
		SessionID:   sessionID,
		BotID:       req.BotID,
		Role:        "user",
		Content:     req.Content,
		Attachments: req.Attachments,
	}); err != nil {
		return writeError(c, kerr.Database(err))
	}

	result, err := a.orch.Process(ctx, req.Content, req.BotID, req.UserID, sessionID)
	if err != nil {
		return writeError(c, err)
	}

	var skillID *string
	if result.Response.SkillID != "" {
		id := result.Response.SkillID
		skillID = &id
	}
	if _, err := a.stores.Messages.Append(ctx, persistence.Message{
		SessionID: sessionID,
		BotID:     req.BotID,
		Role:      "assistant",
		Content:   result.Response.Content,
		SkillID:   skillID,
	}); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("assistant_turn_persist_failed")
	}

	go a.dispatchSideEffects(req.BotID, result.SideEffects)

	return c.JSON(http.StatusOK, chatResponse{SessionID: sessionID, Response: result.Response})
}

// dispatchSideEffects executes the effects this runtime can serve and logs
// the rest for the hosting product. Failures never reach the user.
func (a *app) dispatchSideEffects(botID string, effects []orchestrator.SideEffect) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, effect := range effects {
		switch effect.Type {
		case orchestrator.EffectMemoryWrite:
			for _, fact := range effect.MemoryWrite.Facts {
				fact.BotID = effect.MemoryWrite.BotID
				fact.UserID = effect.MemoryWrite.UserID
				if _, err := a.stores.Memory.Upsert(ctx, fact); err != nil {
					log.Warn().Err(err).Str("key", fact.Key).Msg("side_effect_memory_write_failed")
				}
			}
		case orchestrator.EffectSkillDataWrite:
			a.applySkillDataWrite(ctx, botID, effect.SkillDataWrite)
		default:
			log.Info().
				Str("type", string(effect.Type)).
				Str("bot_id", botID).
				Msg("side_effect_emitted")
		}
	}
}

func (a *app) applySkillDataWrite(ctx context.Context, botID string, w *orchestrator.SkillDataWritePayload) {
	if a.sandbox == nil || w == nil {
		return
	}
	bot, err := a.stores.Bots.Get(ctx, botID)
	if err != nil {
		log.Warn().Err(err).Str("bot_id", botID).Msg("side_effect_bot_lookup_failed")
		return
	}
	switch w.Op {
	case "insert":
		err = a.sandbox.Insert(ctx, bot.SchemaName, w.Table, w.SkillID, w.Data)
	case "update":
		err = a.sandbox.Update(ctx, bot.SchemaName, w.Table, w.RowID, w.Data)
	default:
		log.Warn().Str("op", w.Op).Msg("side_effect_unsupported_write_op")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("table", w.Table).Str("op", w.Op).Msg("side_effect_skill_data_write_failed")
	}
}

// Bot handlers.

func (a *app) createBotHandler(c echo.Context) error {
	var req createBotRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" || req.Name == "" {
		return badRequest(c, "userId and name are required")
	}
	bot, err := a.stores.Bots.Create(c.Request().Context(), persistence.Bot{
		UserID:      req.UserID,
		Name:        req.Name,
		Personality: req.Personality,
		Soul:        req.Soul,
		Tier:        req.Tier,
	})
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusCreated, bot)
}

func (a *app) listBotsHandler(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return badRequest(c, "userId query parameter is required")
	}
	bots, err := a.stores.Bots.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, bots)
}

func (a *app) getBotHandler(c echo.Context) error {
	bot, err := a.stores.Bots.Get(c.Request().Context(), c.Param("botId"))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.BotNotFound(c.Param("botId")))
		}
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, bot)
}

func (a *app) updateBotHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	bot, err := a.stores.Bots.Get(ctx, botID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.BotNotFound(botID))
		}
		return writeError(c, kerr.Database(err))
	}
	var req updateBotRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name != nil {
		bot.Name = *req.Name
	}
	if req.Personality != nil {
		bot.Personality = *req.Personality
	}
	if req.Soul != nil {
		bot.Soul = req.Soul
	}
	if req.Tier != nil {
		bot.Tier = *req.Tier
	}
	updated, err := a.stores.Bots.Update(ctx, bot)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	a.cache.InvalidateBot(ctx, botID)
	return c.JSON(http.StatusOK, updated)
}

func (a *app) deleteBotHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	if err := a.stores.Bots.Delete(ctx, botID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.BotNotFound(botID))
		}
		return writeError(c, kerr.Database(err))
	}
	a.cache.InvalidateBot(ctx, botID)
	return c.NoContent(http.StatusNoContent)
}

// Skill handlers.

func skillFromRequest(req skillRequest, botID string) persistence.SkillDefinition {
	def := persistence.SkillDefinition{
		BotID:                botID,
		Name:                 req.Name,
		Description:          req.Description,
		TriggerPatterns:      req.TriggerPatterns,
		BehaviorPrompt:       req.BehaviorPrompt,
		InputSchema:          req.InputSchema,
		OutputFormat:         persistence.OutputFormat(req.OutputFormat),
		Schedule:             req.Schedule,
		ReadableTables:       req.ReadableTables,
		RequiredIntegrations: req.RequiredIntegrations,
		CreatedBy:            persistence.CreatedByConversation,
		Active:               true,
	}
	if def.OutputFormat == "" {
		def.OutputFormat = persistence.OutputText
	}
	if req.Active != nil {
		def.Active = *req.Active
	}
	return def
}

func (a *app) createSkillHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	bot, err := a.stores.Bots.Get(ctx, botID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.BotNotFound(botID))
		}
		return writeError(c, kerr.Database(err))
	}

	if limit := tierSkillLimits[bot.Tier]; limit > 0 {
		count, err := a.stores.Skills.CountByBot(ctx, botID)
		if err != nil {
			return writeError(c, kerr.Database(err))
		}
		if count >= limit {
			return writeError(c, kerr.SkillLimitExceeded(bot.Tier, limit))
		}
	}

	var req skillRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	def := skillFromRequest(req, botID)

	existing, err := a.stores.Skills.ListActiveByBot(ctx, botID)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	if result := a.validator.Validate(def, existing); !result.Valid {
		return writeValidationFailure(c, result)
	}

	// Table creation happens before the row insert so a failed DDL leaves
	// no dangling skill.
	if len(def.InputSchema) > 0 && a.schemagen != nil {
		created, err := a.schemagen.CreateSkillTable(ctx, bot.SchemaName, def.Name, def.ID, def.InputSchema)
		if err != nil {
			return writeError(c, err)
		}
		def.DataTable = created.TableName
		def.GeneratedDDL = created.DDL
		def.ReadableTables = appendUnique(def.ReadableTables, created.TableName)
	}

	saved, err := a.stores.Skills.Create(ctx, def)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	a.cache.InvalidateBot(ctx, botID)
	return c.JSON(http.StatusCreated, saved)
}

func writeValidationFailure(c echo.Context, result skills.ValidationResult) error {
	details := map[string]any{"stage": result.Stage}
	if len(result.Issues) > 0 {
		details["issues"] = result.Issues
	}
	if len(result.Warnings) > 0 {
		details["warnings"] = result.Warnings
	}
	if len(result.Conflicts) > 0 {
		details["conflicts"] = result.Conflicts
	}
	return c.JSON(http.StatusUnprocessableEntity, errorEnvelope{Error: errorBody{
		Code:    string(kerr.CodeSkillValidation),
		Message: "skill validation failed",
		Details: details,
	}})
}

func (a *app) validateSkillHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	var req skillRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	existing, err := a.stores.Skills.ListActiveByBot(ctx, botID)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	result := a.validator.Validate(skillFromRequest(req, botID), existing)
	return c.JSON(http.StatusOK, result)
}

func (a *app) listSkillsHandler(c echo.Context) error {
	defs, err := a.stores.Skills.ListByBot(c.Request().Context(), c.Param("botId"))
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, defs)
}

func (a *app) getSkillHandler(c echo.Context) error {
	def, err := a.stores.Skills.Get(c.Request().Context(), c.Param("skillId"))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.SkillNotFound(c.Param("skillId")))
		}
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, def)
}

func (a *app) updateSkillHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	skillID := c.Param("skillId")

	current, err := a.stores.Skills.Get(ctx, skillID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.SkillNotFound(skillID))
		}
		return writeError(c, kerr.Database(err))
	}

	var req skillRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	def := skillFromRequest(req, botID)
	def.ID = current.ID
	def.DataTable = current.DataTable
	def.GeneratedDDL = current.GeneratedDDL
	def.CreatedBy = current.CreatedBy

	existing, err := a.stores.Skills.ListActiveByBot(ctx, botID)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	if result := a.validator.Validate(def, existing); !result.Valid {
		return writeValidationFailure(c, result)
	}

	// New schema properties become new columns; existing columns are never
	// dropped.
	if current.DataTable != "" && a.schemagen != nil {
		bot, err := a.stores.Bots.Get(ctx, botID)
		if err == nil {
			addNewColumns(ctx, a.schemagen, bot.SchemaName, current, def)
		}
	}

	saved, err := a.stores.Skills.Update(ctx, def)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	a.cache.InvalidateBot(ctx, botID)
	return c.JSON(http.StatusOK, saved)
}

func addNewColumns(ctx context.Context, gen *schemagen.Generator, schemaName string, current, updated persistence.SkillDefinition) {
	currentProps, _ := current.InputSchema["properties"].(map[string]any)
	newProps, _ := updated.InputSchema["properties"].(map[string]any)
	for name, raw := range newProps {
		if _, exists := currentProps[name]; exists {
			continue
		}
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := gen.AddColumn(ctx, schemaName, current.DataTable, name, propSchema, false); err != nil {
			log.Warn().Err(err).Str("column", name).Str("table", current.DataTable).Msg("skill_update_add_column_failed")
		}
	}
}

func (a *app) deleteSkillHandler(c echo.Context) error {
	ctx := c.Request().Context()
	skillID := c.Param("skillId")
	if err := a.stores.Skills.Delete(ctx, skillID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.SkillNotFound(skillID))
		}
		return writeError(c, kerr.Database(err))
	}
	a.cache.InvalidateBot(ctx, c.Param("botId"))
	return c.NoContent(http.StatusNoContent)
}

// Tool handlers. The encrypted blob never appears in a response.

func (a *app) createToolHandler(c echo.Context) error {
	ctx := c.Request().Context()
	botID := c.Param("botId")
	var req toolRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" || req.BaseURL == "" {
		return badRequest(c, "name and baseUrl are required")
	}
	if req.Auth == nil || req.Auth.Key == "" {
		return badRequest(c, "auth credentials are required")
	}
	if a.vault == nil {
		return writeError(c, kerr.Credential(errors.New("credential vault not configured")))
	}

	plaintext, err := json.Marshal(req.Auth)
	if err != nil {
		return writeError(c, kerr.Credential(err))
	}
	encrypted, err := a.vault.Encrypt(plaintext)
	if err != nil {
		return writeError(c, err)
	}

	entry := persistence.ToolEntry{
		BotID:         botID,
		Name:          req.Name,
		BaseURL:       req.BaseURL,
		AuthKind:      persistence.AuthKind(req.AuthKind),
		EncryptedAuth: encrypted,
		Endpoints:     req.Endpoints,
		Active:        true,
	}
	if req.Active != nil {
		entry.Active = *req.Active
	}
	saved, err := a.stores.Tools.Create(ctx, entry)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, projectTool(saved))
}

func (a *app) listToolsHandler(c echo.Context) error {
	entries, err := a.stores.Tools.ListByBot(c.Request().Context(), c.Param("botId"))
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	out := make([]toolProjection, 0, len(entries))
	for _, t := range entries {
		out = append(out, projectTool(t))
	}
	return c.JSON(http.StatusOK, out)
}

func (a *app) updateToolHandler(c echo.Context) error {
	ctx := c.Request().Context()
	toolID := c.Param("toolId")
	entry, err := a.stores.Tools.Get(ctx, toolID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.ToolNotFound(toolID))
		}
		return writeError(c, kerr.Database(err))
	}
	var req toolRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name != "" {
		entry.Name = req.Name
	}
	if req.BaseURL != "" {
		entry.BaseURL = req.BaseURL
	}
	if req.AuthKind != "" {
		entry.AuthKind = persistence.AuthKind(req.AuthKind)
	}
	if len(req.Endpoints) > 0 {
		entry.Endpoints = req.Endpoints
	}
	if req.Active != nil {
		entry.Active = *req.Active
	}
	if req.Auth != nil && req.Auth.Key != "" && a.vault != nil {
		plaintext, err := json.Marshal(req.Auth)
		if err != nil {
			return writeError(c, kerr.Credential(err))
		}
		encrypted, err := a.vault.Encrypt(plaintext)
		if err != nil {
			return writeError(c, err)
		}
		entry.EncryptedAuth = encrypted
	}
	saved, err := a.stores.Tools.Update(ctx, entry)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, projectTool(saved))
}

func (a *app) deleteToolHandler(c echo.Context) error {
	toolID := c.Param("toolId")
	if err := a.stores.Tools.Delete(c.Request().Context(), toolID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return writeError(c, kerr.ToolNotFound(toolID))
		}
		return writeError(c, kerr.Database(err))
	}
	return c.NoContent(http.StatusNoContent)
}

// Usage handlers.

func (a *app) usageSummaryHandler(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return badRequest(c, "userId query parameter is required")
	}
	var start, end *time.Time
	if v := c.QueryParam("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "startDate must be RFC3339")
		}
		start = &t
	}
	if v := c.QueryParam("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "endDate must be RFC3339")
		}
		end = &t
	}
	summary, err := a.stores.Usage.Summary(c.Request().Context(), userID, start, end)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, summary)
}

func (a *app) usageBreakdownHandler(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return badRequest(c, "userId query parameter is required")
	}
	groupBy := c.QueryParam("groupBy")
	switch groupBy {
	case "model", "bot", "day", "month":
	default:
		return badRequest(c, "groupBy must be one of model, bot, day, month")
	}
	buckets, err := a.stores.Usage.Breakdown(c.Request().Context(), userID, groupBy)
	if err != nil {
		return writeError(c, kerr.Database(err))
	}
	return c.JSON(http.StatusOK, buckets)
}

func (a *app) healthHandler(c echo.Context) error {
	resp := healthResponse{Status: "ok", Cache: a.cache != nil, LLM: a.gateway != nil}
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		resp.Database = a.pool.Ping(ctx) == nil
	}
	return c.JSON(http.StatusOK, resp)
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
