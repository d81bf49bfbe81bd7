package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fortune-city/engine/pkg/economy"
	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/notify"
	"github.com/fortune-city/engine/pkg/referral"
	"github.com/fortune-city/engine/pkg/tier"
	"github.com/fortune-city/engine/pkg/vault"
	"github.com/fortune-city/engine/pkg/withdraw"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses: missing things are 404,
// ownership violations 403, state conflicts 409, treasury trouble 502 and
// everything malformed 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, machine.ErrMachineNotFound),
		errors.Is(err, withdraw.ErrWithdrawalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, machine.ErrNotOwner),
		errors.Is(err, withdraw.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrDuplicateWallet),
		errors.Is(err, economy.ErrTierOccupied),
		errors.Is(err, machine.ErrNothingToCollect),
		errors.Is(err, machine.ErrBoxNotFull),
		errors.Is(err, machine.ErrMachineNotActive),
		errors.Is(err, machine.ErrMaxGambleLevel),
		errors.Is(err, machine.ErrCollectorHired),
		errors.Is(err, machine.ErrOverclockActive),
		errors.Is(err, machine.ErrNotListed),
		errors.Is(err, machine.ErrTierOccupied),
		errors.Is(err, referral.ErrAlreadyReferred),
		errors.Is(err, referral.ErrNoActiveMachine),
		errors.Is(err, withdraw.ErrWithdrawalInFlight),
		errors.Is(err, withdraw.ErrAlreadyProcessed),
		errors.Is(err, withdraw.ErrSignatureConflict):
		status = http.StatusConflict
	case errors.Is(err, withdraw.ErrTreasuryUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, referral.ErrSelfReferral),
		errors.Is(err, referral.ErrReferralCycle),
		errors.Is(err, machine.ErrUnknownOverclock),
		errors.Is(err, machine.ErrOwnListing),
		errors.Is(err, withdraw.ErrAmountOutOfRange),
		errors.Is(err, withdraw.ErrInvalidWallet),
		errors.Is(err, withdraw.ErrInvalidSignature):
		status = http.StatusBadRequest
	default:
		var unknownTier tier.ErrUnknownTier
		if errors.As(err, &unknownTier) {
			status = http.StatusNotFound
			break
		}
		s.log.Error("server: internal error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return uuid.UUID{}, false
	}
	return id, true
}

type userResponse struct {
	ID              uuid.UUID  `json:"id"`
	WalletAddress   string     `json:"walletAddress"`
	FortuneBalance  float64    `json:"fortuneBalance"`
	BonusBalance    float64    `json:"bonusBalance"`
	ReferralBalance float64    `json:"referralBalance"`
	FreshDeposit    float64    `json:"freshDeposit"`
	ProfitEarned    float64    `json:"profitEarned"`
	TotalDeposited  float64    `json:"totalDeposited"`
	TotalWithdrawn  float64    `json:"totalWithdrawn"`
	MaxTierReached  int        `json:"maxTierReached"`
	ReferralCode    string     `json:"referralCode"`
	ReferredBy      *uuid.UUID `json:"referredBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toUserResponse(u *ledger.User) userResponse {
	return userResponse{
		ID:              u.ID,
		WalletAddress:   u.WalletAddress,
		FortuneBalance:  u.FortuneBalance,
		BonusBalance:    u.BonusBalance,
		ReferralBalance: u.ReferralBalance,
		FreshDeposit:    u.FreshDeposit,
		ProfitEarned:    u.ProfitEarned,
		TotalDeposited:  u.TotalDeposited,
		TotalWithdrawn:  u.TotalWithdrawn,
		MaxTierReached:  u.MaxTierReached,
		ReferralCode:    u.ReferralCode,
		ReferredBy:      u.ReferredBy,
		CreatedAt:       u.CreatedAt,
	}
}

type machineResponse struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"userId"`
	Tier             int       `json:"tier"`
	Status           string    `json:"status"`
	Price            float64   `json:"price"`
	RatePerSecond    float64   `json:"ratePerSecond"`
	CoinBoxCapacity  float64   `json:"coinBoxCapacity"`
	CoinBoxCurrent   float64   `json:"coinBoxCurrent"`
	SecondsUntilFull float64   `json:"secondsUntilFull"`
	ProfitAmount     float64   `json:"profitAmount"`
	ProfitPaidOut    float64   `json:"profitPaidOut"`
	PrincipalPaidOut float64   `json:"principalPaidOut"`
	ReinvestRound    int       `json:"reinvestRound"`
	GambleLevel      int       `json:"gambleLevel"`
	AutoCollect      bool      `json:"autoCollect"`

	OverclockMultiplier   float64    `json:"overclockMultiplier"`
	ListedAt              *time.Time `json:"listedAt,omitempty"`
	ListingCommissionRate float64    `json:"listingCommissionRate,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) toMachineResponse(m *machine.Machine, now time.Time) machineResponse {
	return machineResponse{
		ID:               m.ID,
		UserID:           m.UserID,
		Tier:             m.Tier,
		Status:           string(m.Status),
		Price:            m.Price,
		RatePerSecond:    m.RatePerSecond,
		CoinBoxCapacity:  m.CoinBoxCapacity,
		CoinBoxCurrent:   m.CoinBoxCurrent,
		SecondsUntilFull: m.SecondsUntilFull(now),
		ProfitAmount:     m.ProfitAmount,
		ProfitPaidOut:    m.ProfitPaidOut,
		PrincipalPaidOut: m.PrincipalPaidOut,
		ReinvestRound:    m.ReinvestRound,
		GambleLevel:      m.GambleLevel,
		AutoCollect:      m.AutoCollect,

		OverclockMultiplier:   m.OverclockMultiplier,
		ListedAt:              m.ListedAt,
		ListingCommissionRate: m.ListingCommissionRate,

		StartedAt: m.StartedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
		ReferralCode  string `json:"referralCode"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.WalletAddress == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "walletAddress is required"})
		return
	}

	var referredBy *uuid.UUID
	if req.ReferralCode != "" {
		referrer, err := s.cfg.Ledger.GetUserByReferralCode(r.Context(), req.ReferralCode)
		if err != nil {
			s.writeError(w, err)
			return
		}
		referredBy = &referrer.ID
	}

	user, err := s.cfg.Ledger.CreateUser(r.Context(), req.WalletAddress, referredBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	user, err := s.cfg.Ledger.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.cfg.Ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type entryResponse struct {
		ID            int64      `json:"id"`
		Account       string     `json:"account"`
		Kind          string     `json:"kind"`
		Amount        float64    `json:"amount"`
		BalanceAfter  float64    `json:"balanceAfter"`
		ReferenceType string     `json:"referenceType,omitempty"`
		ReferenceID   *uuid.UUID `json:"referenceId,omitempty"`
		CreatedAt     time.Time  `json:"createdAt"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID: e.ID, Account: string(e.Account), Kind: string(e.Kind),
			Amount: e.Amount, BalanceAfter: e.BalanceAfter,
			ReferenceType: e.ReferenceType, ReferenceID: e.ReferenceID,
			CreatedAt: e.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreditDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId"`
		Amount float64   `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.cfg.Ledger.CreditDeposit(r.Context(), req.UserID, req.Amount, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Notifier.Notify(r.Context(), notify.Event{
		Type: notify.EventDepositCredited, UserID: user.ID, Amount: req.Amount,
	})
	s.writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.cfg.Tiers.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	settings, err := s.cfg.Tiers.Settings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	type tierResponse struct {
		Tier         int     `json:"tier"`
		Name         string  `json:"name"`
		Price        float64 `json:"price"`
		LifespanDays int     `json:"lifespanDays"`
		YieldPercent float64 `json:"yieldPercent"`
		Profit       float64 `json:"profit"`
		TaxRate      float64 `json:"taxRate"`
	}
	out := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierResponse{
			Tier: t.Tier, Name: t.Name, Price: t.Price,
			LifespanDays: t.LifespanDays, YieldPercent: t.YieldPercent,
			Profit: t.Profit(), TaxRate: settings.TaxRate(t.Tier),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId"`
		Tier   int       `json:"tier"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Purchases.Purchase(r.Context(), req.UserID, req.Tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Machine       machineResponse `json:"machine"`
		User          userResponse    `json:"user"`
		ReinvestRound int             `json:"reinvestRound"`
		ReductionRate float64         `json:"reductionRate"`
		FromBonus     float64         `json:"fromBonus"`
		FromFortune   float64         `json:"fromFortune"`
		FromReferral  float64         `json:"fromReferral"`
	}{
		Machine:       s.toMachineResponse(res.Machine, res.Machine.LastAccruedAt),
		User:          toUserResponse(res.User),
		ReinvestRound: res.ReinvestRound,
		ReductionRate: res.ReductionRate,
		FromBonus:     res.Plan.FromBonus,
		FromFortune:   res.Plan.FromFortune,
		FromReferral:  res.Plan.FromReferral,
	})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	machines, err := s.cfg.Machines.ListByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]machineResponse, 0, len(machines))
	for _, m := range machines {
		out = append(out, s.toMachineResponse(m, m.LastAccruedAt))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	m, err := s.cfg.Machines.Get(r.Context(), machineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toMachineResponse(m, m.LastAccruedAt))
}

type collectRequest struct {
	UserID uuid.UUID `json:"userId"`
}

type collectResponse struct {
	Machine          machineResponse `json:"machine"`
	Collected        float64         `json:"collected"`
	ProfitPortion    float64         `json:"profitPortion"`
	PrincipalPortion float64         `json:"principalPortion"`
	Salary           float64         `json:"salary"`
	OverclockBonus   float64         `json:"overclockBonus"`
	NewBalance       float64         `json:"newBalance"`
}

func (s *Server) toCollectResponse(res *machine.CollectResult) collectResponse {
	return collectResponse{
		Machine:          s.toMachineResponse(res.Machine, res.Machine.LastAccruedAt),
		Collected:        res.Collected,
		ProfitPortion:    res.ProfitPortion,
		PrincipalPortion: res.PrincipalPortion,
		Salary:           res.Salary,
		OverclockBonus:   res.OverclockBonus,
		NewBalance:       res.NewBalance,
	}
}

func (s *Server) handleSafeCollect(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Machines.SafeCollect(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toCollectResponse(res))
}

func (s *Server) handleRiskyCollect(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Machines.RiskyCollect(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		collectResponse
		Won            bool    `json:"won"`
		WinChance      float64 `json:"winChance"`
		Multiplier     float64 `json:"multiplier"`
		OriginalAmount float64 `json:"originalAmount"`
	}{
		collectResponse: s.toCollectResponse(&res.CollectResult),
		Won:             res.Won,
		WinChance:       res.WinChance,
		Multiplier:      res.Multiplier,
		OriginalAmount:  res.OriginalAmount,
	})
}

func (s *Server) handleUpgradeGamble(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, cost, err := s.cfg.Machines.UpgradeGamble(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine machineResponse `json:"machine"`
		Cost    float64         `json:"cost"`
	}{s.toMachineResponse(m, m.LastAccruedAt), cost})
}

func (s *Server) handleHireCollector(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, cost, err := s.cfg.Machines.HireCollector(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine machineResponse `json:"machine"`
		Cost    float64         `json:"cost"`
	}{s.toMachineResponse(m, m.LastAccruedAt), cost})
}

func (s *Server) handleEarlySell(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Machines.EarlySell(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine           machineResponse `json:"machine"`
		CommissionRate    float64         `json:"commissionRate"`
		Commission        float64         `json:"commission"`
		ProfitReturned    float64         `json:"profitReturned"`
		PrincipalReturned float64         `json:"principalReturned"`
		TotalReturned     float64         `json:"totalReturned"`
	}{
		Machine:           s.toMachineResponse(res.Machine, res.Machine.LastAccruedAt),
		CommissionRate:    res.CommissionRate,
		Commission:        res.Commission,
		ProfitReturned:    res.ProfitReturned,
		PrincipalReturned: res.PrincipalReturned,
		TotalReturned:     res.TotalReturned,
	})
}

func (s *Server) handleOverclock(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req struct {
		UserID     uuid.UUID `json:"userId"`
		Multiplier float64   `json:"multiplier"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, cost, err := s.cfg.Machines.Overclock(r.Context(), machineID, req.UserID, req.Multiplier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine machineResponse `json:"machine"`
		Cost    float64         `json:"cost"`
	}{s.toMachineResponse(m, m.LastAccruedAt), cost})
}

func (s *Server) handleListForSale(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Machines.ListForSale(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine        machineResponse `json:"machine"`
		WearPercent    float64         `json:"wearPercent"`
		CommissionRate float64         `json:"commissionRate"`
		ExpectedPayout float64         `json:"expectedPayout"`
	}{
		Machine:        s.toMachineResponse(res.Machine, res.Machine.LastAccruedAt),
		WearPercent:    res.WearPercent,
		CommissionRate: res.CommissionRate,
		ExpectedPayout: res.ExpectedPayout,
	})
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.cfg.Machines.CancelListing(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toMachineResponse(m, m.LastAccruedAt))
}

func (s *Server) handleBuyListed(w http.ResponseWriter, r *http.Request) {
	machineID, ok := s.pathID(w, r, "machineID")
	if !ok {
		return
	}
	var req collectRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Machines.BuyListed(r.Context(), machineID, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Machine      machineResponse `json:"machine"`
		Price        float64         `json:"price"`
		SellerPayout float64         `json:"sellerPayout"`
		Commission   float64         `json:"commission"`
	}{
		Machine:      s.toMachineResponse(res.Machine, res.Machine.LastAccruedAt),
		Price:        res.Price,
		SellerPayout: res.SellerPayout,
		Commission:   res.Commission,
	})
}

func (s *Server) handleOpenListings(w http.ResponseWriter, r *http.Request) {
	tierNum, _ := strconv.Atoi(r.URL.Query().Get("tier"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	listings, err := s.cfg.Machines.OpenListings(r.Context(), tierNum, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]machineResponse, 0, len(listings))
	for _, m := range listings {
		out = append(out, s.toMachineResponse(m, m.LastAccruedAt))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReferralLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       uuid.UUID `json:"userId"`
		ReferralCode string    `json:"referralCode"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.cfg.Referrals.Link(r.Context(), req.UserID, req.ReferralCode); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	stats, err := s.cfg.Referrals.Stats(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		ReferralCode    string          `json:"referralCode"`
		ReferralBalance float64         `json:"referralBalance"`
		TotalEarned     float64         `json:"totalEarned"`
		DirectReferrals int             `json:"directReferrals"`
		CreditsByLevel  map[int]float64 `json:"creditsByLevel"`
	}{stats.ReferralCode, stats.ReferralBalance, stats.TotalEarned, stats.DirectReferrals, stats.CreditsByLevel})
}

func (s *Server) handleReferralTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId"`
		Amount float64   `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.cfg.Referrals.TransferToFortune(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type withdrawalResponse struct {
	ID                uuid.UUID `json:"id"`
	Method            string    `json:"method"`
	Status            string    `json:"status"`
	Amount            float64   `json:"amount"`
	FromFreshDeposit  float64   `json:"fromFreshDeposit"`
	FromProfit        float64   `json:"fromProfit"`
	TaxRate           float64   `json:"taxRate"`
	TaxAmount         float64   `json:"taxAmount"`
	NetAmount         float64   `json:"netAmount"`
	USDTAmount        float64   `json:"usdtAmount"`
	DestinationWallet string    `json:"destinationWallet"`
	TxSignature       *string   `json:"txSignature,omitempty"`
	FailureReason     *string   `json:"failureReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func toWithdrawalResponse(wd *withdraw.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:                wd.ID,
		Method:            string(wd.Method),
		Status:            string(wd.Status),
		Amount:            wd.Amount,
		FromFreshDeposit:  wd.FromFreshDeposit,
		FromProfit:        wd.FromProfit,
		TaxRate:           wd.TaxRate,
		TaxAmount:         wd.TaxAmount,
		NetAmount:         wd.NetAmount,
		USDTAmount:        vault.FromRaw(wd.USDTRaw),
		DestinationWallet: wd.DestinationWallet,
		TxSignature:       wd.TxSignature,
		FailureReason:     wd.FailureReason,
		CreatedAt:         wd.CreatedAt,
	}
}

func (s *Server) handleWithdrawPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"userId"`
		Amount float64   `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.cfg.Withdrawals.Preview(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Amount           float64 `json:"amount"`
		FromFreshDeposit float64 `json:"fromFreshDeposit"`
		FromProfit       float64 `json:"fromProfit"`
		TaxRate          float64 `json:"taxRate"`
		TaxAmount        float64 `json:"taxAmount"`
		NetAmount        float64 `json:"netAmount"`
		USDTAmount       float64 `json:"usdtAmount"`
		FeeSOL           float64 `json:"feeSol"`
	}{
		Amount:           p.Split.Amount,
		FromFreshDeposit: p.Split.FromFreshDeposit,
		FromProfit:       p.Split.FromProfit,
		TaxRate:          p.Split.TaxRate,
		TaxAmount:        p.Split.TaxAmount,
		NetAmount:        p.Split.NetAmount,
		USDTAmount:       vault.FromRaw(p.USDTRaw),
		FeeSOL:           p.FeeSOL,
	})
}

func (s *Server) handleWithdrawPrepareAtomic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            uuid.UUID `json:"userId"`
		Amount            float64   `json:"amount"`
		DestinationWallet string    `json:"destinationWallet"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	prepared, err := s.cfg.Withdrawals.PrepareAtomic(r.Context(), req.UserID, req.Amount, req.DestinationWallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Withdrawal            withdrawalResponse `json:"withdrawal"`
		SerializedTransaction string             `json:"serializedTransaction"`
		FeeSOL                float64            `json:"feeSol"`
	}{toWithdrawalResponse(prepared.Withdrawal), prepared.SerializedTransaction, prepared.FeeSOL})
}

func (s *Server) handleWithdrawConfirm(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := s.pathID(w, r, "withdrawalID")
	if !ok {
		return
	}
	var req struct {
		UserID      uuid.UUID `json:"userId"`
		TxSignature string    `json:"txSignature"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	wd, err := s.cfg.Withdrawals.ConfirmAtomic(r.Context(), req.UserID, withdrawalID, req.TxSignature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}

func (s *Server) handleWithdrawCancel(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := s.pathID(w, r, "withdrawalID")
	if !ok {
		return
	}
	var req struct {
		UserID uuid.UUID `json:"userId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	wd, err := s.cfg.Withdrawals.CancelAtomic(r.Context(), req.UserID, withdrawalID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}

func (s *Server) handleWithdrawInstant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            uuid.UUID `json:"userId"`
		Amount            float64   `json:"amount"`
		DestinationWallet string    `json:"destinationWallet"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	wd, err := s.cfg.Withdrawals.CreateInstant(r.Context(), req.UserID, req.Amount, req.DestinationWallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toWithdrawalResponse(wd))
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := s.cfg.Withdrawals.List(r.Context(), userID, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]withdrawalResponse, 0, len(list))
	for _, wd := range list {
		out = append(out, toWithdrawalResponse(wd))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVaultStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Vault == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "treasury not configured"})
		return
	}
	state, err := s.cfg.Vault.FetchState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	payoutBalance, err := s.cfg.Vault.PayoutBalance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		VaultAddress   string  `json:"vaultAddress"`
		TotalDeposited float64 `json:"totalDeposited"`
		TotalPaidOut   float64 `json:"totalPaidOut"`
		Custody        float64 `json:"custody"`
		PayoutBalance  float64 `json:"payoutBalance"`
		DepositCount   uint64  `json:"depositCount"`
		PayoutCount    uint64  `json:"payoutCount"`
		Paused         bool    `json:"paused"`
	}{
		VaultAddress:   s.cfg.Vault.VaultAddress().String(),
		TotalDeposited: vault.FromRaw(state.TotalDeposited),
		TotalPaidOut:   vault.FromRaw(state.TotalPaidOut),
		Custody:        vault.FromRaw(state.Custody()),
		PayoutBalance:  vault.FromRaw(payoutBalance),
		Paused:         state.Paused,
		DepositCount:   state.DepositCount,
		PayoutCount:    state.PayoutCount,
	})
}
