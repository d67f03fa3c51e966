package sandbox

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/hebe/pkg/hebe"
)

// Fixtures of the seeded sandbox school.
const (
	SeedSymbol       = "powiatwulkanowy"
	SeedToken        = "SB1DEMO"
	SeedExpiredToken = "SB1OLD0"
	SeedPIN          = "999999"
	SeedLoginID      = 1
	SeedPupilID      = 111
	SeedPeriodID     = 101
	// SeedGradeCount grades are created, then SeedDeletedGrades removed.
	SeedGradeCount = 12
	// SeedBoxKey is the global key of the pupil's message box.
	SeedBoxKey = "0f5c3a4e-7d1b-4c2e-9a61-3b8d2f6e1c70"
)

// Message box folders.
const (
	FolderInbox   = 1
	FolderOutbox  = 2
	FolderDeleted = 3
)

var SeedDeletedGrades = []int64{3, 7}

// Seed fills a new store with one school, one pupil and a little of every
// built-in resource. Items are stamped as modified a day before now; a few
// grades are deleted an hour before now.
func Seed(now time.Time) *Store {
	s := NewStore()
	s.AddAccount(Account{
		Token:     SeedToken,
		Symbol:    SeedSymbol,
		PIN:       SeedPIN,
		LoginID:   SeedLoginID,
		UserLogin: "jan@fakelog.cf",
		UserName:  "Jan Kowalski",
	})
	s.AddAccount(Account{
		Token:     SeedExpiredToken,
		Symbol:    SeedSymbol,
		PIN:       SeedPIN,
		LoginID:   2,
		UserLogin: "anna@fakelog.cf",
		UserName:  "Anna Nowak",
		ExpiresAt: now.Add(-24 * time.Hour),
	})

	modified := now.Add(-24 * time.Hour)
	pupil := func(id int64, data map[string]any) Item {
		return Item{ID: id, PupilID: SeedPupilID, Modified: modified, Data: data}
	}
	shared := func(id int64, data map[string]any) Item {
		return Item{ID: id, Modified: modified, Data: data}
	}

	subjects := []string{"Matematyka", "Język polski", "Fizyka", "Historia"}
	for i := int64(1); i <= SeedGradeCount; i++ {
		s.Put(hebe.Grades.Name, pupil(i, map[string]any{
			"PupilId":  SeedPupilID,
			"Content":  fmt.Sprint(1 + i%6),
			"Value":    float64(1 + i%6),
			"Subject":  subjects[i%int64(len(subjects))],
			"PeriodId": SeedPeriodID,
		}))
	}
	for _, id := range SeedDeletedGrades {
		s.Delete(hebe.Grades.Name, id, now.Add(-time.Hour))
	}

	s.Put(hebe.BehaviourGrades.Name, pupil(1, map[string]any{"Content": "bardzo dobre", "PeriodId": SeedPeriodID}))
	s.Put(hebe.GradesSummary.Name,
		pupil(1, map[string]any{"Subject": "Matematyka", "Entry": "4"}),
		pupil(2, map[string]any{"Subject": "Fizyka", "Entry": "5"}),
	)
	s.Put(hebe.Notes.Name,
		pupil(1, map[string]any{"Content": "Spóźnienie na lekcję", "Positive": false}),
		pupil(2, map[string]any{"Content": "Udział w konkursie", "Positive": true}),
	)
	s.Put(hebe.Exams.Name,
		pupil(1, map[string]any{"Type": "Sprawdzian", "Content": "Ułamki", "Deadline": now.AddDate(0, 0, 7).Format("2006-01-02")}),
		pupil(2, map[string]any{"Type": "Kartkówka", "Content": "Dynamika", "Deadline": now.AddDate(0, 0, 3).Format("2006-01-02")}),
	)
	s.Put(hebe.Homework.Name, pupil(1, map[string]any{"Content": "Zadania 1-5 str. 42"}))
	s.Put(hebe.Meetings.Name, pupil(1, map[string]any{"Why": "Wywiadówka", "Where": "sala 12"}))
	s.Put(hebe.Schedule.Name,
		pupil(1, map[string]any{"Date": now.Format("2006-01-02"), "TimeSlot": 1, "Subject": "Matematyka"}),
		pupil(2, map[string]any{"Date": now.Format("2006-01-02"), "TimeSlot": 2, "Subject": "Fizyka"}),
	)
	s.Put(hebe.Teachers.Name, shared(1, map[string]any{"Name": "Karolina", "Surname": "Kowalska"}))
	s.Put(hebe.TimeSlots.Name,
		shared(1, map[string]any{"Start": "08:00", "End": "08:45", "Position": 1}),
		shared(2, map[string]any{"Start": "08:55", "End": "09:40", "Position": 2}),
	)
	inbox := fmt.Sprintf("%s/%d", SeedBoxKey, FolderInbox)
	outbox := fmt.Sprintf("%s/%d", SeedBoxKey, FolderOutbox)
	s.Put(hebe.Messages.Name,
		Item{ID: 1, Scope: inbox, Modified: modified, Data: map[string]any{"Subject": "Wycieczka", "Sender": "Karolina Kowalska"}},
		Item{ID: 2, Scope: inbox, Modified: modified, Data: map[string]any{"Subject": "Zebranie", "Sender": "Sekretariat"}},
		Item{ID: 3, Scope: outbox, Modified: modified, Data: map[string]any{"Subject": "Usprawiedliwienie", "Sender": "Jan Kowalski"}},
	)
	s.Put(hebe.AddressBook.Name,
		Item{ID: 1, Scope: SeedBoxKey, Modified: modified, Data: map[string]any{"Name": "Karolina Kowalska - P - (powiatwulkanowy)"}},
		Item{ID: 2, Scope: SeedBoxKey, Modified: modified, Data: map[string]any{"Name": "Sekretariat - (powiatwulkanowy)"}},
	)
	s.Put(hebe.LuckyNumber.Name, shared(1, map[string]any{"Number": 13, "Day": now.Format("2006-01-02")}))
	s.Put(hebe.Pupil.Name, pupil(SeedPupilID, map[string]any{"FirstName": "Jan", "Surname": "Kowalski"}))
	s.Put(hebe.PupilInfos.Name, pupil(SeedPupilID, map[string]any{
		"Login":      map[string]any{"Id": SeedLoginID, "Value": "jan@fakelog.cf"},
		"Pupil":      map[string]any{"Id": SeedPupilID, "FirstName": "Jan", "Surname": "Kowalski"},
		"Unit":       map[string]any{"Symbol": SeedSymbol},
		"Period":     map[string]any{"Id": SeedPeriodID, "Current": true},
		"MessageBox": map[string]any{"GlobalKey": SeedBoxKey},
	}))
	return s
}
