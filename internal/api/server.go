package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"qftrade.com/internal/domain"
	"qftrade.com/internal/engine"
	"qftrade.com/internal/model"
)

// Server 管理面 HTTP 服务，看板和运维操作的入口。
// 只是引擎公开方法的薄封装，不承载任何交易逻辑。
type Server struct {
	log *zap.Logger
	eng *engine.Engine
	app *fiber.App
}

func NewServer(eng *engine.Engine, log *zap.Logger) *Server {
	s := &Server{
		log: log.Named("api"),
		eng: eng,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
		}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/status", s.status)

	api := s.app.Group("/api/v1")

	api.Get("/strategies/types", s.strategyTypes)
	api.Get("/strategies", s.listStrategies)
	api.Post("/strategies", s.loadStrategy)
	api.Get("/strategies/:id", s.getStrategy)
	api.Post("/strategies/:id/start", s.startStrategy)
	api.Post("/strategies/:id/stop", s.stopStrategy)
	api.Delete("/strategies/:id", s.unloadStrategy)

	api.Get("/orders", s.listOrders)
	api.Get("/orders/:id", s.getOrder)
	api.Post("/orders", s.placeOrder)
	api.Post("/orders/:id/cancel", s.cancelOrder)

	api.Get("/positions", s.listPositions)
	api.Get("/account", s.account)

	api.Get("/market/bars", s.queryBars)
	api.Get("/market/ticks", s.queryTicks)
}

// Listen 阻塞运行 HTTP 服务
func (s *Server) Listen(addr string) error {
	s.log.Info("management api listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown 优雅关闭
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.eng.Status())
}

func (s *Server) strategyTypes(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"types": s.eng.StrategyTypes()})
}

func (s *Server) listStrategies(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"strategies": s.eng.Strategies()})
}

type loadStrategyRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
	Start  bool           `json:"start"` // 加载后立即启动
}

func (s *Server) loadStrategy(c *fiber.Ctx) error {
	var req loadStrategyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	id, err := s.eng.LoadStrategy(req.Name, req.Params)
	if err != nil {
		return badRequest(c, err)
	}
	if req.Start {
		if err := s.eng.StartStrategy(id); err != nil {
			return errorResponse(c, err)
		}
	}
	info, _ := s.eng.Strategy(id)
	return c.Status(fiber.StatusCreated).JSON(info)
}

func (s *Server) getStrategy(c *fiber.Ctx) error {
	info, ok := s.eng.Strategy(c.Params("id"))
	if !ok {
		return notFound(c, "strategy not found")
	}
	return c.JSON(info)
}

func (s *Server) startStrategy(c *fiber.Ctx) error {
	if err := s.eng.StartStrategy(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "started"})
}

func (s *Server) stopStrategy(c *fiber.Ctx) error {
	if err := s.eng.StopStrategy(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *Server) unloadStrategy(c *fiber.Ctx) error {
	if err := s.eng.UnloadStrategy(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "unloaded"})
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"orders": s.eng.Orders(c.Query("strategy_id"))})
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	o, ok := s.eng.Order(c.Params("id"))
	if !ok {
		return notFound(c, "order not found")
	}
	return c.JSON(o)
}

func (s *Server) placeOrder(c *fiber.Ctx) error {
	var req model.OrderRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	o, err := s.eng.PlaceManualOrder(req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(o)
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	if err := s.eng.CancelOrder(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "cancel requested"})
}

func (s *Server) listPositions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"positions": s.eng.Positions(c.Query("strategy_id"))})
}

func (s *Server) account(c *fiber.Ctx) error {
	return c.JSON(s.eng.Account())
}

func (s *Server) queryBars(c *fiber.Ctx) error {
	start, end, err := timeRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	bars, err := s.eng.QueryBars(c.Query("symbol"), c.Query("period", "1m"), start, end, c.QueryInt("limit"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"bars": bars})
}

func (s *Server) queryTicks(c *fiber.Ctx) error {
	start, end, err := timeRange(c)
	if err != nil {
		return badRequest(c, err)
	}
	ticks, err := s.eng.QueryTicks(c.Query("symbol"), start, end, c.QueryInt("limit"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ticks": ticks})
}

func timeRange(c *fiber.Ctx) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := c.Query("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, err
		}
	}
	if v := c.Query("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": msg})
}

// errorResponse 把领域错误翻译成 HTTP 状态码
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var riskErr *domain.RiskRejectedError
	switch {
	case errors.As(err, &riskErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "risk rejected",
			"reasons": riskErr.Reasons,
		})
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrStrategyNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrStrategyState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrOrderTerminal):
		status = fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotConnected):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
