package routes

import (
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "skyreach/controllers"
	"skyreach/enrollment"
	"skyreach/middleware"
	"skyreach/store"
	"skyreach/warmup"
)

// Setup wires the operator API. Every mutating endpoint sits behind the
// shared rate limiter.
func Setup(app *fiber.App, db *gorm.DB, machine *enrollment.Machine, wc *warmup.Controller, log *logrus.Logger) {
	app.Use(middleware.CORS())

	api := app.Group("/api/v1", fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	limited := middleware.OperatorRateLimiter()

	repo := store.NewGormEnrollmentRepo(db)
	workspaces := controller.NewWorkspaceController(db, log)
	campaigns := controller.NewCampaignController(db, machine, log)
	sequences := controller.NewSequenceController(db, log)
	enrollments := controller.NewEnrollmentController(db, machine, repo, log)
	senders := controller.NewSenderController(db, wc, log)

	ws := api.Group("/workspaces")
	ws.Get("/:id/status", workspaces.GetStatus)
	ws.Post("/:id/clear-complaint", limited, workspaces.ClearComplaint)
	ws.Get("/:id/policy", workspaces.GetPolicy)
	ws.Patch("/:id/policy", limited, workspaces.UpdatePolicy)
	ws.Get("/:id/senders", senders.List)
	ws.Post("/:id/senders", limited, senders.Create)

	cp := api.Group("/campaigns")
	cp.Post("/", limited, campaigns.Create)
	cp.Get("/:id", campaigns.Get)
	cp.Post("/:id/activate", limited, campaigns.Activate)
	cp.Post("/:id/pause", limited, campaigns.Pause)
	cp.Get("/:id/steps", sequences.ListSteps)
	cp.Post("/:id/steps", limited, sequences.InsertStep)
	cp.Delete("/:id/steps/:pos", limited, sequences.RemoveStep)
	cp.Post("/:id/steps/reorder", limited, sequences.ReorderStep)
	cp.Get("/:id/enrollments", enrollments.List)
	cp.Post("/:id/enroll", limited, enrollments.Enroll)

	en := api.Group("/enrollments")
	en.Post("/:id/cancel", limited, enrollments.Cancel)
	en.Get("/:id/history", enrollments.History)

	sn := api.Group("/senders")
	sn.Get("/:id", senders.GetStatus)
	sn.Post("/interactions", limited, senders.RecordInteraction)

	log.Info("operator API routes initialized")
}
