package dashboard

import "time"

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func seedPatients() []PatientDetail {
	return []PatientDetail{
		{
			Patient: Patient{
				ID:          "1",
				Name:        "John Doe",
				Email:       "john.doe@example.com",
				Phone:       "+1-555-0123",
				DateOfBirth: "1985-03-15",
				Gender:      "male",
				Address:     "123 Main St, Anytown, USA",
				EmergencyContact: EmergencyContact{
					Name: "Jane Doe", Relationship: "Spouse", Phone: "+1-555-0124",
				},
			},
			MedicalHistory: []MedicalCondition{
				{Condition: "Hypertension", DiagnosedDate: "2020-01-15", Status: "Active"},
				{Condition: "Type 2 Diabetes", DiagnosedDate: "2019-06-20", Status: "Controlled"},
			},
			Allergies: []Allergy{
				{Allergen: "Penicillin", Severity: "Severe", Reaction: "Anaphylaxis"},
			},
		},
		{
			Patient: Patient{
				ID:          "2",
				Name:        "Jane Smith",
				Email:       "jane.smith@example.com",
				Phone:       "+1-555-0125",
				DateOfBirth: "1990-07-22",
				Gender:      "female",
				Address:     "456 Oak Ave, Somewhere, USA",
				EmergencyContact: EmergencyContact{
					Name: "Bob Smith", Relationship: "Brother", Phone: "+1-555-0126",
				},
			},
			MedicalHistory: []MedicalCondition{},
			Allergies:      []Allergy{},
		},
	}
}

func seedVitals() Vitals {
	return Vitals{
		BloodPressure: []BloodPressureReading{
			{Systolic: 120, Diastolic: 80, Date: "2024-01-15T10:30:00Z"},
			{Systolic: 118, Diastolic: 78, Date: "2024-01-14T09:15:00Z"},
			{Systolic: 125, Diastolic: 82, Date: "2024-01-13T14:20:00Z"},
		},
		HeartRate: []Reading{
			{Value: 72, Date: "2024-01-15T10:30:00Z"},
			{Value: 68, Date: "2024-01-14T09:15:00Z"},
			{Value: 75, Date: "2024-01-13T14:20:00Z"},
		},
		Temperature: []Reading{
			{Value: 98.6, Date: "2024-01-15T10:30:00Z"},
			{Value: 98.4, Date: "2024-01-14T09:15:00Z"},
			{Value: 98.8, Date: "2024-01-13T14:20:00Z"},
		},
		Weight: []Reading{
			{Value: 175, Unit: "lbs", Date: "2024-01-15T10:30:00Z"},
			{Value: 174, Unit: "lbs", Date: "2024-01-14T09:15:00Z"},
			{Value: 176, Unit: "lbs", Date: "2024-01-13T14:20:00Z"},
		},
	}
}

func seedAppointments() []Appointment {
	return []Appointment{
		{
			ID: "1", PatientID: "1", PatientName: "John Doe",
			Provider: "Dr. Sarah Johnson", Type: "Follow-up",
			Date: mustTime("2024-01-20T14:00:00Z"), Duration: 30,
			Status: AppointmentScheduled, Notes: "Routine check-up",
		},
		{
			ID: "2", PatientID: "1", PatientName: "John Doe",
			Provider: "Dr. Michael Chen", Type: "Specialist Consultation",
			Date: mustTime("2024-01-25T10:00:00Z"), Duration: 60,
			Status: AppointmentScheduled, Notes: "Cardiology consultation",
		},
	}
}

func seedCarePlans() []CarePlan {
	return []CarePlan{
		{
			ID:          "1",
			PatientID:   "1",
			Title:       "Diabetes Management Plan",
			Description: "Comprehensive plan for managing Type 2 Diabetes",
			Status:      "Active",
			StartDate:   "2024-01-01",
			EndDate:     "2024-12-31",
			Goals: []string{
				"Maintain blood glucose levels between 80-130 mg/dL",
				"Achieve HbA1c < 7%",
				"Lose 10 pounds in 6 months",
			},
			Activities: []CarePlanActivity{
				{Type: "Medication", Description: "Metformin 500mg twice daily", Frequency: "Daily", Status: "Active"},
				{Type: "Exercise", Description: "30 minutes of moderate exercise", Frequency: "5 times per week", Status: "Active"},
				{Type: "Diet", Description: "Low-carbohydrate diet", Frequency: "Daily", Status: "Active"},
			},
			Progress: map[string]string{
				"bloodGlucose": "On track",
				"hba1c":        "Needs improvement",
				"weightLoss":   "On track",
			},
		},
	}
}

var (
	drJohnson = Participant{ID: "1", Name: "Dr. Sarah Johnson", Role: "provider", Avatar: "https://example.com/avatar1.jpg"}
	drChen    = Participant{ID: "3", Name: "Dr. Michael Chen", Role: "provider", Avatar: "https://example.com/avatar3.jpg"}
	johnDoe   = Participant{ID: "2", Name: "John Doe", Role: "patient", Avatar: "https://example.com/avatar2.jpg"}
)

func seedRooms() []ChatRoom {
	return []ChatRoom{
		{
			ID:           "room-1",
			Name:         "Dr. Sarah Johnson",
			Type:         "provider",
			Participants: []Participant{drJohnson, johnDoe},
			LastMessage: &LastMessage{
				Content:   "That's great to hear! Have you been following your exercise routine?",
				Timestamp: mustTime("2024-01-15T10:35:00Z"),
				Sender:    drJohnson.Name,
			},
			CreatedAt:    mustTime("2024-01-01T00:00:00Z"),
			LastActivity: mustTime("2024-01-15T10:35:00Z"),
		},
		{
			ID:           "room-2",
			Name:         "Dr. Michael Chen",
			Type:         "provider",
			Participants: []Participant{drChen, johnDoe},
			LastMessage: &LastMessage{
				Content:   "Your cardiology appointment is confirmed for next week.",
				Timestamp: mustTime("2024-01-14T15:20:00Z"),
				Sender:    drChen.Name,
			},
			UnreadCount:  1,
			CreatedAt:    mustTime("2024-01-02T00:00:00Z"),
			LastActivity: mustTime("2024-01-14T15:20:00Z"),
		},
	}
}

func sender(p Participant) MessageSender {
	return MessageSender{ID: p.ID, Name: p.Name, Role: p.Role}
}

func seedMessages() map[string][]ChatMessage {
	return map[string][]ChatMessage{
		"room-1": {
			{
				ID: "1", RoomID: "room-1", Sender: sender(drJohnson), Type: MessageText,
				Content:   "Hello John, how are you feeling today?",
				Timestamp: mustTime("2024-01-15T10:30:00Z"),
			},
			{
				ID: "2", RoomID: "room-1", Sender: sender(johnDoe), Type: MessageText,
				Content:   "Hi Dr. Johnson, I'm feeling much better. My blood sugar has been stable.",
				Timestamp: mustTime("2024-01-15T10:32:00Z"),
			},
			{
				ID: "3", RoomID: "room-1", Sender: sender(drJohnson), Type: MessageText,
				Content:   "That's great to hear! Have you been following your exercise routine?",
				Timestamp: mustTime("2024-01-15T10:35:00Z"),
			},
		},
		"room-2": {
			{
				ID: "4", RoomID: "room-2", Sender: sender(drChen), Type: MessageText,
				Content:   "Your cardiology appointment is confirmed for next week.",
				Timestamp: mustTime("2024-01-14T15:20:00Z"),
			},
		},
	}
}
