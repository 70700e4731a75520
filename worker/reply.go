package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

const replyExcerptLimit = 500

// ReplyWorker polls each account's IMAP mailbox for replies to campaign
// sends. A reply is matched by the In-Reply-To header against the message
// id minted at dispatch time.
type ReplyWorker struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Interval time.Duration

	Now func() time.Time
}

func NewReplyWorker(db *gorm.DB, logger *logrus.Logger, interval time.Duration) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		DB:       db,
		Logger:   logger,
		Interval: interval,
		Now:      time.Now,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Info("reply worker started")
	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("reply worker shutting down")
			return
		case <-ticker.C:
			rw.pollAllAccounts()
		}
	}
}

func (rw *ReplyWorker) pollAllAccounts() {
	var accounts []models.EmailAccount
	err := rw.DB.
		Where("is_active = ?", true).
		Where("imap_host IS NOT NULL AND imap_host != ''").
		Find(&accounts).Error
	if err != nil {
		rw.Logger.WithError(err).Error("failed to load accounts for reply polling")
		return
	}

	for i := range accounts {
		account := &accounts[i]
		if err := rw.pollAccount(account); err != nil {
			rw.Logger.WithError(err).WithField("email_account_id", account.ID).
				Warn("reply poll failed")
		}
	}
}

func (rw *ReplyWorker) pollAccount(account *models.EmailAccount) error {
	password, err := utils.Decrypt(account.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	var c *client.Client
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)

	switch strings.ToUpper(account.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, &tls.Config{ServerName: account.IMAPHost})
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: account.IMAPHost})
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(account.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := account.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(msg); err != nil {
			rw.Logger.WithError(err).WithField("seq", msg.SeqNum).
				Warn("failed to process inbound message")
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	// Mark everything we looked at as seen so the next poll starts fresh.
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return nil
}

func (rw *ReplyWorker) processMessage(msg *imap.Message) error {
	if msg.Envelope == nil || msg.Envelope.InReplyTo == "" {
		return nil
	}

	messageID := localMessageID(msg.Envelope.InReplyTo)
	if messageID == "" {
		return nil
	}

	var record models.TrackingRecord
	err := rw.DB.Where("message_id = ?", messageID).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil // not one of ours
	}
	if err != nil {
		return err
	}
	if record.RepliedAt != nil {
		return nil // already counted
	}

	excerpt := extractExcerpt(msg)
	return rw.recordReply(&record, excerpt)
}

func (rw *ReplyWorker) recordReply(record *models.TrackingRecord, excerpt string) error {
	now := rw.Now()
	if err := rw.DB.Model(record).Updates(map[string]interface{}{
		"replied_at":    now,
		"reply_excerpt": excerpt,
	}).Error; err != nil {
		return err
	}

	var cc models.CampaignContact
	if err := rw.DB.First(&cc, record.CampaignContactID).Error; err != nil {
		return err
	}
	if !cc.Terminal() && models.EngagementRank[cc.Status] < models.EngagementRank[models.ContactStatusReplied] {
		if err := rw.DB.Model(&cc).Update("status", models.ContactStatusReplied).Error; err != nil {
			return err
		}
	}

	if err := rw.DB.Model(&models.Campaign{}).
		Where("id = ?", record.CampaignID).
		Update("reply_count", gorm.Expr("reply_count + 1")).Error; err != nil {
		return err
	}

	rw.Logger.WithFields(logrus.Fields{
		"campaign_id": record.CampaignID,
		"contact_id":  record.ContactID,
		"message_id":  record.MessageID,
	}).Info("reply detected")
	return nil
}

// localMessageID extracts the local part of an RFC 5322 message id like
// "<uuid@example.com>".
func localMessageID(header string) string {
	id := strings.Trim(strings.TrimSpace(header), "<>")
	if at := strings.Index(id, "@"); at > 0 {
		return id[:at]
	}
	return ""
}

func extractExcerpt(msg *imap.Message) string {
	if msg.Body == nil {
		return ""
	}
	// GetBody matches section names by value; indexing Body directly with a
	// fresh pointer never finds the part.
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return ""
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			break
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			if strings.Contains(contentType, "text/plain") && plain == "" {
				plain = string(b)
			} else if strings.Contains(contentType, "text/html") && html == "" {
				html = string(b)
			}
		}
	}

	excerpt := plain
	if excerpt == "" {
		excerpt = html
	}
	excerpt = strings.TrimSpace(excerpt)
	if len(excerpt) > replyExcerptLimit {
		excerpt = excerpt[:replyExcerptLimit]
	}
	return excerpt
}
