package main

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// registerRoutes sets up all the routes for the runtime.
func registerRoutes(e *echo.Echo, a *app) {
	e.Use(middleware.Recover())

	e.GET("/health", a.healthHandler)

	api := e.Group("/api")
	api.POST("/chat", a.chatHandler)

	api.POST("/bots", a.createBotHandler)
	api.GET("/bots", a.listBotsHandler)
	api.GET("/bots/:botId", a.getBotHandler)
	api.PATCH("/bots/:botId", a.updateBotHandler)
	api.DELETE("/bots/:botId", a.deleteBotHandler)

	api.POST("/bots/:botId/skills", a.createSkillHandler)
	api.POST("/bots/:botId/skills/validate", a.validateSkillHandler)
	api.GET("/bots/:botId/skills", a.listSkillsHandler)
	api.GET("/bots/:botId/skills/:skillId", a.getSkillHandler)
	api.PATCH("/bots/:botId/skills/:skillId", a.updateSkillHandler)
	api.DELETE("/bots/:botId/skills/:skillId", a.deleteSkillHandler)

	api.POST("/bots/:botId/tools", a.createToolHandler)
	api.GET("/bots/:botId/tools", a.listToolsHandler)
	api.PATCH("/bots/:botId/tools/:toolId", a.updateToolHandler)
	api.DELETE("/bots/:botId/tools/:toolId", a.deleteToolHandler)

	api.GET("/usage/summary", a.usageSummaryHandler)
	api.GET("/usage/breakdown", a.usageBreakdownHandler)
}
