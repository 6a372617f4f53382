package httpapi

import (
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/consistency"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type sessionResponse struct {
	SessionID   string    `json:"sessionId"`
	State       string    `json:"state"`
	AccessToken string    `json:"accessToken,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func bind(c *fiber.Ctx, v any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(v); err != nil {
		return &common.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return nil
}

func (s *Server) register(c *fiber.Ctx) error {
	var in services.RegistrationInput
	if err := bind(c, &in); err != nil {
		return err
	}
	acc, err := s.accounts.Register(c.UserContext(), in, deviceSignals(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(acc)
}

func (s *Server) login(c *fiber.Ctx) error {
	var in loginRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := s.accounts.Login(c.UserContext(), in.Email, in.Password, deviceSignals(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) verifyEmail(c *fiber.Ctx) error {
	var in verifyRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	id, err := s.accounts.VerifyEmail(c.UserContext(), in.Code)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"identityId": id, "verified": true})
}

func (s *Server) resendVerification(c *fiber.Ctx) error {
	sess := currentSession(c)
	if err := s.accounts.ResendVerification(c.UserContext(), sess.IdentityID()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) verificationStatus(c *fiber.Ctx) error {
	sess := currentSession(c)
	st, err := s.accounts.VerificationStatus(c.UserContext(), sess.IdentityID(), c.QueryBool("refresh"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// touchSession only reports state; requireSession already counted the
// request as activity.
func (s *Server) touchSession(c *fiber.Ctx) error {
	sess := currentSession(c)
	rec := sess.Record()
	return c.JSON(sessionResponse{
		SessionID: rec.ID,
		State:     sess.State().String(),
		ExpiresAt: rec.ExpiresAt,
	})
}

func (s *Server) refreshSession(c *fiber.Ctx) error {
	sess := currentSession(c)
	token, err := sess.Refresh(c.UserContext())
	if err != nil {
		return err
	}
	rec := sess.Record()
	return c.JSON(sessionResponse{
		SessionID:   rec.ID,
		State:       sess.State().String(),
		AccessToken: token,
		ExpiresAt:   rec.ExpiresAt,
	})
}

func (s *Server) logout(c *fiber.Ctx) error {
	currentSession(c).End(c.UserContext())
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) checkConsistency(c *fiber.Ctx) error {
	var opts consistency.Options
	if err := bind(c, &opts); err != nil {
		return err
	}
	operator := currentSession(c).IdentityID()
	opts.CurrentIdentity = operator

	rep, err := s.admin.CheckConsistency(c.UserContext(), operator, opts)
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) reconcile(c *fiber.Ctx) error {
	var req services.ReconcileRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.admin.Reconcile(c.UserContext(), currentSession(c).IdentityID(), req)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) startMigration(c *fiber.Ctx) error {
	var opts migration.Options
	if err := bind(c, &opts); err != nil {
		return err
	}
	opts.RunID = ""
	opts.Operator = currentSession(c).IdentityID()

	rep, err := s.admin.StartMigration(c.UserContext(), opts)
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) resumeMigration(c *fiber.Ctx) error {
	rep, err := s.admin.ResumeMigration(c.UserContext(), currentSession(c).IdentityID(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

func (s *Server) migrationReport(c *fiber.Ctx) error {
	rep, err := s.admin.MigrationReport(c.UserContext(), currentSession(c).IdentityID(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rep)
}
