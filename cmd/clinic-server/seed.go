package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/dental/clinic/internal/domain/patient"
	"github.com/dental/clinic/internal/domain/request"
	"github.com/dental/clinic/internal/platform/auth"
	"github.com/dental/clinic/internal/platform/events"
)

var seedServices = []string{
	"General Checkup",
	"Scaling and Polishing",
	"Tooth Filling",
	"Root Canal Treatment",
	"Tooth Extraction",
	"Orthodontic Consultation",
	"Teeth Whitening",
	"Dental Implant Consultation",
}

var seedTimes = []string{"9:00 AM", "10:30 AM", "1:00 PM", "2:30 PM", "4:00 PM", "Any time"}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with fake patients and appointment requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			nReq, _ := cmd.Flags().GetInt("requests")
			nPat, _ := cmd.Flags().GetInt("patients")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			published := &events.Memory{}
			a, err := newApp(ctx, cfg, logger,
				request.WithPublisher(published),
				request.WithNotifier(nil),
			)
			if err != nil {
				return err
			}
			defer a.Close()

			s := &seeder{requests: a.requests, patients: a.patients, now: time.Now().In(cfg.Location())}
			if err := s.run(ctx, nPat, nReq); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d patients and %d requests (%d events).\n",
				len(s.seededPatients), s.seededRequests, len(published.Events()))
			return nil
		},
	}
	cmd.Flags().Int("requests", 50, "Number of appointment requests to create")
	cmd.Flags().Int("patients", 20, "Number of patients to create")
	return cmd
}

// seeder creates data through the domain services so every stored row went
// through validation, id issuance and the transition graph.
type seeder struct {
	requests *request.Service
	patients *patient.Service
	now      time.Time

	seededPatients []*patient.Patient
	seededRequests int
}

func (s *seeder) run(ctx context.Context, nPatients, nRequests int) error {
	for i := 0; i < nPatients; i++ {
		email := gofakeit.Email()
		p, err := s.patients.Create(ctx, patient.CreateInput{
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
			Phone:     fakeThaiMobile(),
			Email:     &email,
		})
		if err != nil {
			return fmt.Errorf("seed patient %d: %w", i+1, err)
		}
		s.seededPatients = append(s.seededPatients, p)
	}

	for i := 0; i < nRequests; i++ {
		req, err := s.requests.Submit(ctx, request.SubmitInput{
			Name:          gofakeit.FirstName() + " " + gofakeit.LastName(),
			Phone:         fakeThaiMobile(),
			Email:         gofakeit.Email(),
			PreferredDate: s.now.AddDate(0, 0, gofakeit.Number(1, 30)).Format(request.DateLayout),
			PreferredTime: gofakeit.RandomString(seedTimes),
			ServiceType:   gofakeit.RandomString(seedServices),
		})
		if err != nil {
			return fmt.Errorf("seed request %d: %w", i+1, err)
		}
		s.seededRequests++
		if err := s.advance(ctx, req.RequestID, i); err != nil {
			return fmt.Errorf("advance %s: %w", req.RequestID, err)
		}
	}
	return nil
}

// advance walks a request along one of the legal paths through the
// lifecycle.
func (s *seeder) advance(ctx context.Context, requestID string, i int) error {
	staff := request.TransitionContext{ActorRole: auth.RoleStaff, ActorID: "seed"}
	path := seedPath(gofakeit.Number(0, 5), len(s.seededPatients) > 0)

	for _, target := range path {
		tc := staff
		if target == request.StatusConfirmed {
			p := s.seededPatients[gofakeit.Number(0, len(s.seededPatients)-1)]
			start := time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(i%16) * 30 * time.Minute)
			tc.PatientID = &p.ID
			tc.StartTime = start.Format("15:04")
			tc.EndTime = start.Add(30 * time.Minute).Format("15:04")
		}
		if _, err := s.requests.Transition(ctx, requestID, target, tc); err != nil {
			return err
		}
	}
	return nil
}

// seedPath maps a die roll onto a sequence of targets. Paths through
// confirmed need at least one patient.
func seedPath(roll int, havePatients bool) []request.Status {
	switch roll {
	case 1:
		return []request.Status{request.StatusContacted}
	case 2:
		if havePatients {
			return []request.Status{request.StatusContacted, request.StatusConfirmed}
		}
	case 3:
		if havePatients {
			return []request.Status{request.StatusConfirmed, request.StatusCompleted}
		}
	case 4:
		return []request.Status{request.StatusContacted, request.StatusCancelled}
	case 5:
		return []request.Status{request.StatusCancelled}
	}
	return nil
}

// fakeThaiMobile returns a national-format Thai mobile number.
func fakeThaiMobile() string {
	return fmt.Sprintf("0%d%08d", gofakeit.RandomInt([]int{8, 9}), gofakeit.Number(0, 99999999))
}
