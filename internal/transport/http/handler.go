package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rinzindorjit/b4uesports/internal/model"
	"github.com/rinzindorjit/b4uesports/internal/piauth"
	"github.com/rinzindorjit/b4uesports/internal/repo"
	"github.com/rinzindorjit/b4uesports/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.PaymentService, verifier piauth.TokenVerifier) {
	v1 := r.Group("/v1")
	{
		v1.GET("/price", priceHandler(svc))
		v1.GET("/packages", packagesHandler(svc))
		v1.GET("/packages/:id/quote", quoteHandler(svc))
	}
	auth := v1.Group("", AuthMiddleware(verifier))
	{
		auth.POST("/payments/approve", approveHandler(svc))
		auth.POST("/payments/complete", completeHandler(svc))
		auth.POST("/payments/cancel", cancelHandler(svc))
		auth.POST("/payments/incomplete", incompleteHandler(svc))
		auth.GET("/me/transactions", transactionsHandler(svc))
	}
}

func priceHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := svc.CurrentRate()
		c.JSON(http.StatusOK, gin.H{
			"price":        q.Price.String(),
			"last_updated": q.ObservedAt,
		})
	}
}

func packagesHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		pkgs, err := svc.ListPackages(c, c.Query("game"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pkgs)
	}
}

func quoteHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid package id"})
			return
		}
		q, err := svc.QuotePackage(c, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"package_id":   q.Package.ID,
			"name":         q.Package.Name,
			"game":         q.Package.Game,
			"usd_price":    q.UsdPrice.String(),
			"pi_amount":    q.PiAmount.String(),
			"rate":         q.Rate.String(),
			"last_updated": q.LastUpdated,
		})
	}
}

type approveReq struct {
	PaymentID   string          `json:"payment_id" binding:"required"`
	PackageID   uint64          `json:"package_id" binding:"required"`
	GameAccount json.RawMessage `json:"game_account" binding:"required"`
}

func approveHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req approveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		profile := currentProfile(c)
		if err := svc.RegisterUser(c, &model.User{PiUID: profile.UID, Username: profile.Username}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.HandleApproval(c, req.PaymentID, service.ApprovalMeta{
			UserID:      profile.UID,
			PackageID:   req.PackageID,
			GameAccount: string(req.GameAccount),
		})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, resultBody(res))
	}
}

type completeReq struct {
	PaymentID string `json:"payment_id" binding:"required"`
	Txid      string `json:"txid" binding:"required"`
}

func completeHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.HandleCompletion(c, req.PaymentID, req.Txid)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, resultBody(res))
	}
}

type cancelReq struct {
	PaymentID string `json:"payment_id" binding:"required"`
}

func cancelHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.HandleCancellation(c, req.PaymentID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, resultBody(res))
	}
}

type incompleteReq struct {
	PaymentID string `json:"payment_id" binding:"required"`
	Txid      string `json:"txid"`
}

func incompleteHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req incompleteReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.RecoverIncomplete(c, req.PaymentID, req.Txid)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, resultBody(res))
	}
}

func transactionsHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile := currentProfile(c)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		txs, err := svc.UserTransactions(c, profile.UID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func resultBody(res service.Result) gin.H {
	return gin.H{"ok": res.OK, "transaction_id": res.TransactionID, "status": res.Status}
}

func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMetadata):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownPayment):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
