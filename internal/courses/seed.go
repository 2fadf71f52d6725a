package courses

import (
	"time"

	"github.com/and161185/oga-courier/internal/model"
)

// SeedAvailable is the demo list of open courses, dated relative to now.
func SeedAvailable(now time.Time) []model.Course {
	ago := func(m int) time.Time { return now.Add(-time.Duration(m) * time.Minute).UTC() }
	return []model.Course{
		{
			ID: "course_001", QuartierDepart: "Goudrin", QuartierArrivee: "Karpala", Distance: 3.5, Montant: 15000,
			TypeLivraison: model.DeliveryColis, Statut: model.CourseDisponible, DateCreation: ago(5), ClientID: "client_001",
			InfosClient:  model.ClientInfo{Nom: "Sana Aminata", Telephone: "77111111", Adresse: "123 Rue Karpala, Ouagadougou"},
			TypePaiement: model.PaymentDejaPaye,
		},
		{
			ID: "course_002", QuartierDepart: "Dapoya", QuartierArrivee: "1200 Logements", Distance: 5.2, Montant: 20000,
			TypeLivraison: model.DeliveryNourriture, Statut: model.CourseDisponible, DateCreation: ago(10), ClientID: "client_002",
			InfosClient:  model.ClientInfo{Nom: "Kabore Moussa", Telephone: "77222222", Adresse: "456 Avenue Khawme Kurma, Ouagadougou"},
			TypePaiement: model.PaymentDejaPaye,
		},
		{
			ID: "course_003", QuartierDepart: "Tanghin", QuartierArrivee: "Gounghin", Distance: 8, Montant: 30000,
			TypeLivraison: model.DeliveryDocuments, Statut: model.CourseDisponible, DateCreation: ago(15), ClientID: "client_003",
			InfosClient:  model.ClientInfo{Nom: "Diallo Aissatou", Telephone: "77333333", Adresse: "789 Rue Gounghin, Ouagadougou"},
			TypePaiement: model.PaymentALaLivraison,
		},
		{
			ID: "course_004", QuartierDepart: "Karpala", QuartierArrivee: "Nongr-Massom", Distance: 6.5, Montant: 25000,
			TypeLivraison: model.DeliveryColis, Statut: model.CourseDisponible, DateCreation: ago(2), ClientID: "client_004",
			InfosClient:  model.ClientInfo{Nom: "Koanda Moussa", Telephone: "77444444", Adresse: "321 Boulevard Nongr-Massom, Ouagadougou"},
			TypePaiement: model.PaymentDejaPaye,
		},
		{
			ID: "course_005", QuartierDepart: "Pissy", QuartierArrivee: "Kossodo", Distance: 7, Montant: 28000,
			TypeLivraison: model.DeliveryColis, Statut: model.CourseDisponible, DateCreation: ago(20), ClientID: "client_005",
			InfosClient:  model.ClientInfo{Nom: "Sana Fatoumata", Telephone: "77555555", Adresse: "Route Kaya Kossodo, Ouagadougou"},
			TypePaiement: model.PaymentDejaPaye,
		},
		{
			ID: "course_006", QuartierDepart: "Ouaga 2000", QuartierArrivee: "Patte d'Oie", Distance: 4.4, Montant: 16500,
			TypeLivraison: model.DeliveryNourriture, Statut: model.CourseDisponible, DateCreation: ago(25), ClientID: "client_006",
			InfosClient:  model.ClientInfo{Nom: "Nadine Ouedraogo", Telephone: "77666666", Adresse: "Ouaga 2000, Ouagadougou"},
			TypePaiement: model.PaymentALaLivraison,
		},
	}
}

func historyEntry(now time.Time, id, from, to string, dist float64, amount int64, typ model.DeliveryType,
	daysAgo, acceptMin, doneMin int, clientID string, client model.ClientInfo) model.Course {
	created := now.Add(-time.Duration(daysAgo) * 24 * time.Hour).UTC()
	accepted := created.Add(time.Duration(acceptMin) * time.Minute)
	done := created.Add(time.Duration(doneMin) * time.Minute)
	return model.Course{
		ID: id, QuartierDepart: from, QuartierArrivee: to, Distance: dist, Montant: amount,
		TypeLivraison: typ, Statut: model.CourseTerminee, DateCreation: created,
		DateAcceptation: &accepted, DateTerminaison: &done, LivreurID: "driver_seed",
		ClientID: clientID, InfosClient: client, TypePaiement: model.PaymentDejaPaye,
	}
}

// SeedHistory is the demo list of completed courses, newest first.
func SeedHistory(now time.Time) []model.Course {
	return []model.Course{
		historyEntry(now, "history_001", "Somgande", "Sankare Yaare", 4.2, 18000, model.DeliveryColis, 2, 5, 30, "client_101",
			model.ClientInfo{Nom: "Sanogo Samira", Telephone: "77666666", Adresse: "Centre-ville, Ouagadougou"}),
		historyEntry(now, "history_002", "Pissy", "Koulouba", 6.8, 24000, model.DeliveryNourriture, 4, 5, 35, "client_102",
			model.ClientInfo{Nom: "Traore Ibrahim", Telephone: "77101010", Adresse: "Koulouba, Ouagadougou"}),
		historyEntry(now, "history_003", "Tanghin", "Hamdalaye", 12, 45000, model.DeliveryColis, 6, 4, 40, "client_103",
			model.ClientInfo{Nom: "Mohamed Ali", Telephone: "77777777", Adresse: "Hamdalaye, Ouagadougou"}),
		historyEntry(now, "history_004", "Boulmionghin", "Benenyogo", 20, 70000, model.DeliveryColis, 10, 5, 60, "client_104",
			model.ClientInfo{Nom: "Awa Sana", Telephone: "77999999", Adresse: "Benenyogo, Ouagadougou"}),
	}
}

// SeedOffers is the demo list of pressing offers.
func SeedOffers(now time.Time) []model.PressingOffer {
	now = now.UTC()
	return []model.PressingOffer{
		{
			ID: "pressing_001", PressingName: "Pressing Etoile", PickupAddress: "Zone du Bois, Ouagadougou",
			DropoffAddress: "Pressing Etoile - Koulouba", Distance: 4.2, Amount: 12000,
			ClientName: "Nadege Savadogo", ClientPhone: "77000111", CreatedAt: now,
			AvailableVehicles: []model.VehicleType{model.VehicleMoto, model.VehicleVoiture, model.VehicleTricycle},
		},
		{
			ID: "pressing_002", PressingName: "Net Plus", PickupAddress: "Ouaga 2000",
			DropoffAddress: "Net Plus - Patte d'Oie", Distance: 8.5, Amount: 18000,
			ClientName: "Abdou Ouedraogo", ClientPhone: "77000999", CreatedAt: now,
			AvailableVehicles: []model.VehicleType{model.VehicleVoiture, model.VehicleFourgonnette},
		},
	}
}

// MockDeliveryCodes are the confirmation codes accepted for seed offers when offline.
var MockDeliveryCodes = map[string]string{
	"pressing_001": "482913",
	"pressing_002": "650214",
}
