package controllers

import (
	"net/http"
	"os"

	"outfitapi/models"
	"outfitapi/prompts"
	"outfitapi/scheduler"
	"outfitapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/go-playground/validator"
	"github.com/hibiken/asynq"
	echojwt "github.com/labstack/echo-jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		// Optionally, you could return the error to give each route more control over the status code
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// TaskEnqueuer is the slice of the asynq client the gateway uses. The save
// endpoint only enqueues; tests swap in a recorder.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func SetupServer(
	db *gorm.DB,
	llm services.OutfitLLM,
	registry *prompts.Registry,
	sched *scheduler.Scheduler,
	catalog services.CatalogProvider,
	profile services.ProfileProvider,
	firebaseApp *firebase.App,
	asynqClient TaskEnqueuer,
) *echo.Echo {

	e := echo.New()
	v := validator.New()
	v.RegisterValidation("platform", models.ValidatePlatform)
	e.Validator = &CustomValidator{validator: v}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("__db", db)
			c.Set("__asynqclient", asynqClient)
			return next(c)
		}
	})

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	wardrobeGroup := e.Group("/wardrobe", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))))
	wardrobeGroup.Use(UserMiddleware)

	outfitController := OutfitController{
		LLM:         llm,
		Registry:    registry,
		Scheduler:   sched,
		Catalog:     catalog,
		Profile:     profile,
		FirebaseApp: firebaseApp,
	}
	outfitController.OutfitRoutes(wardrobeGroup.Group("/outfits"))

	return e
}
