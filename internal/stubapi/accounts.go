package stubapi

import (
	"fmt"

	"github.com/and161185/oga-courier/internal/crypto"
	"github.com/and161185/oga-courier/internal/model"
)

type account struct {
	hash crypto.PasswordHash
	user model.AuthUser
}

// Seed is a courier account served by the stub.
type Seed struct {
	Telephone string
	Password  string
	Nom       string
	Vehicle   model.VehicleType
}

// DefaultAccounts mirror the client's offline demo accounts.
var DefaultAccounts = []Seed{
	{Telephone: "77123456", Password: "1234", Nom: "Moussa Diop", Vehicle: model.VehicleMoto},
	{Telephone: "77654321", Password: "1234", Nom: "Awa Kabore", Vehicle: model.VehicleVoiture},
}

func buildAccounts(seeds []Seed) (map[string]account, error) {
	out := make(map[string]account, len(seeds))
	for n, s := range seeds {
		h, err := crypto.HashPassword(s.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password of %s: %w", s.Telephone, err)
		}
		out[s.Telephone] = account{
			hash: h,
			user: model.AuthUser{
				ID:        fmt.Sprintf("user_%03d", n+1),
				Telephone: s.Telephone,
				Livreur: model.DriverProfile{
					ID:                     fmt.Sprintf("driver_%03d", n+1),
					Nom:                    s.Nom,
					Telephone:              s.Telephone,
					NiveauEtoile:           4.8,
					TypeVehicule:           s.Vehicle,
					TotalCoursesCompletees: 0,
					CoursesPayees:          0,
				},
			},
		}
	}
	return out, nil
}
