package features

import (
	"github.com/clarence2022/transferlens/internal/model"
)

// SchemaV1 is the only feature schema so far.
const SchemaV1 = "v1"

// Missing stands in for any value that could not be observed at asOf.
const Missing = -9999.0

// Schema lists the v1 feature names in vector order.
var Schema = []string{
	"market_value",
	"contract_months_remaining",
	"goals_last_10",
	"assists_last_10",
	"minutes_last_5",
	"social_mention_velocity",
	"user_attention_velocity",
	"age",
	"position_encoded",
	"from_club_tier",
	"from_club_league_position",
	"from_club_points_per_game",
	"from_club_net_spend_12m",
	"to_club_tier",
	"to_club_league_position",
	"to_club_points_per_game",
	"to_club_net_spend_12m",
	"same_country",
	"same_league",
	"tier_difference",
	"user_destination_cooccurrence",
}

// playerKinds are read from player-scoped signals under their own names.
var playerKinds = []model.SignalKind{
	model.SignalMarketValue,
	model.SignalContractMonthsRemaining,
	model.SignalGoalsLast10,
	model.SignalAssistsLast10,
	model.SignalMinutesLast5,
	model.SignalSocialMentionVelocity,
	model.SignalUserAttentionVelocity,
}

// clubKinds are read for both clubs and prefixed with from_ or to_.
var clubKinds = []model.SignalKind{
	model.SignalClubLeaguePosition,
	model.SignalClubPointsPerGame,
	model.SignalClubNetSpend12m,
}

var positionCodes = map[model.Position]float64{
	model.PositionST:  1,
	model.PositionLW:  2,
	model.PositionRW:  3,
	model.PositionCAM: 4,
	model.PositionCM:  5,
	model.PositionCDM: 6,
	model.PositionCB:  7,
	model.PositionLB:  8,
	model.PositionRB:  9,
	model.PositionGK:  10,
}

// EncodePosition maps a position to its ordinal code, or Missing.
func EncodePosition(p model.Position) float64 {
	if v, ok := positionCodes[p]; ok {
		return v
	}
	return Missing
}
