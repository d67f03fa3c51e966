package sandbox

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/hebe/pkg/certificate"
	"github.com/jmerrifield20/hebe/pkg/hebe"
	"github.com/jmerrifield20/hebe/pkg/routing"
	"go.uber.org/zap"
)

const (
	maxBodyBytes   = 1 << 20
	syncDateLayout = "2006-01-02T15:04:05"
)

type routeKind int

const (
	routeList routeKind = iota
	routeByID
	routeDeleted
)

type route struct {
	resource hebe.Resource
	kind     routeKind
}

// entityRoutes maps every endpoint path of the built-in resources to the
// resource and operation it serves.
func entityRoutes() map[string]route {
	m := make(map[string]route)
	for _, r := range hebe.Resources {
		if r.Path != "" {
			m[r.Path] = route{r, routeList}
		}
		if r.ByIDPath != "" {
			m[r.ByIDPath] = route{r, routeByID}
		}
		if r.DeletedPath != "" {
			m[r.DeletedPath] = route{r, routeDeleted}
		}
		// Tombstones are not pupil scoped, so the unit-wide list is the same.
		if r.AllDeletedPath != "" {
			m[r.AllDeletedPath] = route{r, routeDeleted}
		}
	}
	return m
}

// routingRules handles GET /RoutingRules.txt, routing every seeded token
// prefix to this server.
func (s *Server) routingRules(c *gin.Context) {
	base := s.baseURL(c)
	seen := make(map[string]bool)
	var lines []string
	for _, tok := range s.store.Tokens() {
		p, ok := routing.Prefix(tok)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		lines = append(lines, p+","+base)
	}
	sort.Strings(lines)
	c.String(http.StatusOK, strings.Join(lines, "\n")+"\n")
}

type registerPayload struct {
	OS                    string `json:"OS"`
	DeviceModel           string `json:"DeviceModel"`
	Certificate           string `json:"Certificate"`
	CertificateType       string `json:"CertificateType"`
	CertificateThumbprint string `json:"CertificateThumbprint"`
	PIN                   string `json:"PIN"`
	SecurityToken         string `json:"SecurityToken"`
	SelfIdentifier        string `json:"SelfIdentifier"`
}

type registerRequest struct {
	Envelope *registerPayload `json:"Envelope"`
}

// register handles POST /:symbol/api/mobile/register/new. The request is
// signed with the key of the certificate it carries.
func (s *Server) register(c *gin.Context) {
	symbol := c.Param("symbol")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "unreadable body")
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Envelope == nil {
		s.metrics.registration(false)
		s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "malformed envelope")
		return
	}
	p := req.Envelope

	cert, fp, err := certificate.DecodePublic(p.Certificate)
	if err != nil || !strings.EqualFold(fp, p.CertificateThumbprint) {
		s.metrics.registration(false)
		s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "certificate does not match thumbprint")
		return
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		s.metrics.registration(false)
		s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "certificate key is not RSA")
		return
	}
	if code, msg, ok := s.checkSignature(c, pub, fp, body); !ok {
		s.metrics.registration(false)
		s.fail(c, code, msg)
		return
	}

	acct, err := s.store.Enroll(symbol, p.SecurityToken, p.PIN, Device{
		Fingerprint: strings.ToLower(fp),
		PublicKey:   pub,
		OS:          p.OS,
		Model:       p.DeviceModel,
	}, s.cfg.Now())
	if err != nil {
		s.metrics.registration(false)
		code, msg := enrollStatus(err)
		s.logger.Info("registration rejected",
			zap.String("symbol", symbol), zap.Int("code", code), zap.Error(err))
		s.fail(c, code, msg)
		return
	}

	s.metrics.registration(true)
	s.logger.Info("device registered",
		zap.String("symbol", symbol),
		zap.String("fingerprint", fp),
		zap.Int64("login_id", acct.LoginID),
	)
	s.respond(c, hebe.TypeAccount, hebe.Account{
		LoginID:   acct.LoginID,
		RestURL:   fmt.Sprintf("%s/%s/", s.baseURL(c), symbol),
		UserLogin: acct.UserLogin,
		UserName:  acct.UserName,
	})
}

func enrollStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errUnknownSymbol):
		return hebe.CodeNoUnitSymbol, "Unknown unit symbol"
	case errors.Is(err, errUnknownToken):
		return hebe.CodeNotFoundEntity, "Invalid token"
	case errors.Is(err, errUsedToken):
		return hebe.CodeUsedToken, "Token already used"
	case errors.Is(err, errExpiredToken):
		return hebe.CodeExpiredToken, "Token expired"
	case errors.Is(err, errWrongPIN):
		return hebe.CodeInvalidPIN, "Invalid PIN"
	default:
		return 500, err.Error()
	}
}

// entity handles GET /:symbol/api/mobile/*entity for an authenticated device.
func (s *Server) entity(c *gin.Context) {
	rt, ok := s.entities[strings.Trim(c.Param("entity"), "/")]
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	q := c.Request.URL.Query()
	since, err := parseSince(q.Get("lastSyncDate"))
	if err != nil {
		s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "lastSyncDate: "+err.Error())
		return
	}
	name := rt.resource.Name
	if dev := deviceFrom(c); dev != nil {
		s.logger.Debug("entity request",
			zap.String("resource", name), zap.Int64("login_id", dev.LoginID))
	}

	switch rt.kind {
	case routeDeleted:
		s.respond(c, hebe.TypeList, s.store.DeletedSince(name, since))

	case routeByID:
		var (
			it    Item
			found bool
		)
		if raw := q.Get("id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "id: not an integer")
				return
			}
			it, found = s.store.Get(name, id)
		} else {
			it, found = s.store.First(name)
		}
		if !found {
			s.respond(c, rt.resource.ItemType, nil)
			return
		}
		s.respond(c, rt.resource.ItemType, render(it))

	default:
		sq := Query{Since: since, Scope: listScope(q)}
		if raw := q.Get("pupilId"); raw != "" {
			sq.PupilID, _ = strconv.ParseInt(raw, 10, 64)
		}
		if raw := q.Get("pageSize"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.fail(c, hebe.CodeInvalidRequestEnvelopeStructure, "pageSize: must be a positive integer")
				return
			}
			sq.Limit = min(n, s.cfg.PageLimit)
		}
		if raw := q.Get("lastId"); raw != "" {
			sq.AfterID, _ = strconv.ParseInt(raw, 10, 64)
		}
		items := s.store.List(name, sq)
		out := make([]map[string]any, len(items))
		for i, it := range items {
			out[i] = render(it)
			if name == hebe.PupilInfos.Name {
				withUnitURL(out[i], s.baseURL(c))
			}
		}
		s.respond(c, hebe.TypeList, out)
	}
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(syncDateLayout, raw, time.UTC)
}

// listScope derives the Item.Scope a collection request selects: a message
// box, optionally narrowed to one folder.
func listScope(q url.Values) string {
	box := q.Get("box")
	if box == "" {
		return ""
	}
	if folder := q.Get("folder"); folder != "" {
		return box + "/" + folder
	}
	return box
}

// withUnitURL sets Unit.RestURL of a rendered pupil info to the unit's
// entity base on this server.
func withUnitURL(info map[string]any, base string) {
	unit, ok := info["Unit"].(map[string]any)
	if !ok {
		return
	}
	cp := make(map[string]any, len(unit)+1)
	for k, v := range unit {
		cp[k] = v
	}
	if sym, ok := cp["Symbol"].(string); ok {
		cp["RestURL"] = base + "/" + sym + "/api"
	}
	info["Unit"] = cp
}

// render returns the wire form of an item: its data plus Id.
func render(it Item) map[string]any {
	out := make(map[string]any, len(it.Data)+1)
	for k, v := range it.Data {
		out[k] = v
	}
	out["Id"] = it.ID
	return out
}

// deviceFrom returns the device stored on c by authenticate.
func deviceFrom(c *gin.Context) *Device {
	v, ok := c.Get(deviceKey)
	if !ok {
		return nil
	}
	d, _ := v.(*Device)
	return d
}
