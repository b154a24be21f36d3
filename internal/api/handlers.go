package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/auth"
	"github.com/gomailzero/gamemail/internal/crypto"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/quota"
)

// mailView 邮件的 JSON 表示
type mailView struct {
	Index     int       `json:"index"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func newMailView(i int, msg mailbox.Message) mailView {
	return mailView{
		Index:     i,
		Sender:    msg.Sender(),
		Body:      msg.Body(),
		Timestamp: msg.Time().UTC(),
	}
}

// tokenHandler 签发令牌
//
// 带 API Key 时可以为任意账号签发（含管理员令牌）；否则需要账号密码，只签发本人令牌。
func tokenHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.JWTManager == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "未配置 JWT"})
			return
		}

		var req struct {
			Name     string `json:"name" binding:"required"`
			Password string `json:"password"`
			Admin    bool   `json:"admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		isAdmin := cfg.APIKey != "" && c.GetHeader("X-API-Key") == cfg.APIKey

		admin := isAdmin && req.Admin
		var uid uint32
		name := req.Name
		// 管理员令牌不绑定账号
		if !admin {
			acct, err := cfg.Accounts.Lookup(ctx, req.Name)
			if err != nil {
				if errors.Is(err, account.ErrNotFound) {
					c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !isAdmin {
				ok, err := crypto.VerifyPassword(req.Password, acct.PasswordHash)
				if err != nil || !ok || !acct.Active {
					c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
					return
				}
			}
			uid = acct.UID
			name = acct.Name
		}

		token, err := cfg.JWTManager.GenerateToken(name, uid, admin, cfg.TokenTTL)
		if err != nil {
			logger.ErrorCtx(ctx).Err(err).Msg("签发令牌失败")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "签发令牌失败"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_in": int(cfg.TokenTTL.Seconds()),
		})
	}
}

// createAccountHandler 创建账号
func createAccountHandler(accounts account.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.ContainsAny(req.Name, " \t\r\n") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "账号名不能包含空白字符"})
			return
		}

		hash, err := crypto.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "哈希密码失败"})
			return
		}

		acct := &account.Account{
			Name:         req.Name,
			PasswordHash: hash,
			Active:       true,
		}

		if err := accounts.Create(c.Request.Context(), acct); err != nil {
			if errors.Is(err, account.ErrExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "账号已存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, acct)
	}
}

// lookupAccount 解析路径中的账号，失败时已写入响应
func lookupAccount(c *gin.Context, accounts account.Directory) (*account.Account, bool) {
	acct, err := accounts.Lookup(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return acct, true
}

// getAccountHandler 获取账号信息、邮件数和有效配额
func getAccountHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		count, err := mail.UnreadCount(ctx, acct.UID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		limit, err := mail.QuotaFor(ctx, acct.UID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"account": acct,
			"mail":    count,
			"quota":   limit,
		})
	}
}

// setQuotaHandler 设置账号配额属性，响应中返回截断后的有效配额
func setQuotaHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Quota *int `json:"quota" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		if err := accounts.SetAttr(ctx, acct.UID, quota.AttrMailQuota, strconv.Itoa(*req.Quota)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		limit, err := mail.QuotaFor(ctx, acct.UID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"override": *req.Quota,
			"quota":    limit,
		})
	}
}

// resetQuotaHandler 删除配额属性，恢复默认配额
func resetQuotaHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		if err := accounts.DeleteAttr(ctx, acct.UID, quota.AttrMailQuota); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		limit, err := mail.QuotaFor(ctx, acct.UID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"quota": limit})
	}
}

// listMailHandler 列出邮件
func listMailHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		messages, err := mail.Store().Open(acct.UID).ReadAll(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}

		views := make([]mailView, 0, len(messages))
		for i, msg := range messages {
			views = append(views, newMailView(i, msg))
		}

		limit, err := mail.QuotaFor(ctx, acct.UID)
		if err != nil {
			limit = mail.Policy().Effective("", false)
		}

		c.JSON(http.StatusOK, gin.H{
			"messages": views,
			"count":    len(views),
			"quota":    limit,
		})
	}
}

// parseIndex 序号必须全部是数字
func parseIndex(c *gin.Context) (int, bool) {
	raw := c.Param("index")
	if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid index. <index> must be a number."})
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		idx = -1
	}
	return idx, true
}

// readMailHandler 读取一封邮件
func readMailHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		idx, ok := parseIndex(c)
		if !ok {
			return
		}
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		msg, err := mail.Store().Open(acct.UID).ReadOne(c.Request.Context(), idx)
		if err != nil {
			if errors.Is(err, mailbox.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "邮件不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, newMailView(idx, msg))
	}
}

// sendMailHandler 向账号投递一封邮件
//
// 管理员可以指定发件人；普通令牌的发件人固定为令牌中的账号。
func sendMailHandler(mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Sender string `json:"sender"`
			Body   string `json:"body" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := claimsFrom(c)
		sender := senderFor(claims, req.Sender)
		body := strings.TrimSpace(req.Body)
		if body == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Your message is empty!"})
			return
		}

		err := mail.Send(c.Request.Context(), sender, c.Param("name"), body)
		switch {
		case err == nil:
			c.JSON(http.StatusCreated, gin.H{"status": "Your mail has been sent successfully."})
		case errors.Is(err, mailcmd.ErrUnknownAccount):
			c.JSON(http.StatusNotFound, gin.H{"error": "Receiver UNKNOWN!"})
		case errors.Is(err, mailbox.ErrQuotaExceeded):
			c.JSON(http.StatusConflict, gin.H{"error": "Receiver has reached his mail quota. Your message will NOT be sent."})
		case errors.Is(err, mailcmd.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "You are sending mail too fast. Please wait a moment."})
		case errors.Is(err, mailcmd.ErrFeatureDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "This server has NO mail support."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "There was an error completing your request!"})
		}
	}
}

func senderFor(claims *auth.Claims, requested string) string {
	if claims != nil && claims.Admin {
		if s := strings.TrimSpace(requested); s != "" {
			return s
		}
	}
	if claims == nil {
		return "admin"
	}
	return claims.Account
}

// clearMailHandler 删除全部邮件
func clearMailHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		if err := mail.Store().Open(acct.UID).Clear(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "Successfully deleted messages."})
	}
}

// eraseMailHandler 按序号删除邮件，越界时同样返回成功
func eraseMailHandler(accounts account.Directory, mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		idx, ok := parseIndex(c)
		if !ok {
			return
		}
		acct, ok := lookupAccount(c, accounts)
		if !ok {
			return
		}

		if err := mail.Store().Open(acct.UID).Erase(c.Request.Context(), idx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "Succesfully deleted message."})
	}
}
